package embeddings

import (
	"context"
	"encoding/json"
	"math"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func cosine(a, b []float32) float64 {
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

func TestHashEmbedder_Deterministic(t *testing.T) {
	h := NewHashEmbedder(64)
	a, err := h.EmbedQuery(context.Background(), "convert CSV to JSON")
	require.NoError(t, err)
	b, err := h.EmbedQuery(context.Background(), "convert csv to json")
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.Len(t, a, 64)
	assert.InDelta(t, 1.0, cosine(a, a), 1e-6)
}

func TestHashEmbedder_SimilarTextsScoreHigher(t *testing.T) {
	h := NewHashEmbedder(256)
	ctx := context.Background()
	vecs, err := h.EmbedDocuments(ctx, []string{
		"parse csv files into rows",
		"parse csv rows from files",
		"render a spinning cube with opengl",
	})
	require.NoError(t, err)
	assert.Greater(t, cosine(vecs[0], vecs[1]), cosine(vecs[0], vecs[2]))
}

func TestHashEmbedder_EmptyInput(t *testing.T) {
	h := NewHashEmbedder(8)
	_, err := h.EmbedQuery(context.Background(), "")
	assert.ErrorIs(t, err, ErrEmptyInput)
	_, err = h.EmbedDocuments(context.Background(), nil)
	assert.ErrorIs(t, err, ErrEmptyInput)

	v, err := h.EmbedQuery(context.Background(), "!!!")
	require.NoError(t, err)
	assert.Equal(t, float32(1), v[0])
}

func TestTEIProvider(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/embed", r.URL.Path)
		var body struct {
			Inputs any `json:"inputs"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		n := 1
		if list, ok := body.Inputs.([]any); ok {
			n = len(list)
		}
		out := make([][]float32, n)
		for i := range out {
			out[i] = []float32{float32(i), 1, 0}
		}
		_ = json.NewEncoder(w).Encode(out)
	}))
	defer srv.Close()

	p, err := NewTEIProvider(srv.URL+"/", "bge", 3)
	require.NoError(t, err)

	docs, err := p.EmbedDocuments(context.Background(), []string{"a", "b"})
	require.NoError(t, err)
	assert.Equal(t, [][]float32{{0, 1, 0}, {1, 1, 0}}, docs)

	q, err := p.EmbedQuery(context.Background(), "a")
	require.NoError(t, err)
	assert.Equal(t, []float32{0, 1, 0}, q)
	assert.Equal(t, 3, p.Dimension())
}

func TestTEIProvider_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "model loading", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	p, err := NewTEIProvider(srv.URL, "bge", 3)
	require.NoError(t, err)
	_, err = p.EmbedQuery(context.Background(), "x")
	require.ErrorIs(t, err, ErrEmbeddingFailed)
	assert.Contains(t, err.Error(), "503")
}

func TestNew(t *testing.T) {
	p, err := New(Config{Provider: "hash", Dimension: 16}, nil)
	require.NoError(t, err)
	assert.Equal(t, 16, p.Dimension())
	_, err = p.EmbedQuery(context.Background(), "hello")
	require.NoError(t, err)

	_, err = New(Config{Provider: "word2vec"}, nil)
	assert.ErrorIs(t, err, ErrInvalidConfig)

	_, err = New(Config{Provider: "tei"}, nil)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestDimensionForModel(t *testing.T) {
	assert.Equal(t, 384, dimensionForModel("BAAI/bge-small-en-v1.5"))
	assert.Equal(t, 768, dimensionForModel("BAAI/bge-base-en-v1.5"))
	assert.Equal(t, 1536, dimensionForModel("text-embedding-3-small"))
	assert.Equal(t, 1024, dimensionForModel("some-large-model"))
	assert.Equal(t, 384, dimensionForModel("unknown"))
}
