package knowledge

import (
	"context"
	"fmt"
	"os"

	chromem "github.com/philippgille/chromem-go"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/forgeline/internal/config"
	"github.com/fyrsmithlabs/forgeline/internal/embeddings"
	"github.com/fyrsmithlabs/forgeline/internal/logging"
)

// ChromemBackend is an embedded chromem-go database. An empty path keeps
// everything in memory.
type ChromemBackend struct {
	db       *chromem.DB
	embedder embeddings.Embedder
}

// NewChromemBackend opens (or creates) the database at path.
func NewChromemBackend(path string, embedder embeddings.Embedder, logger *logging.Logger) (*ChromemBackend, error) {
	if embedder == nil {
		return nil, fmt.Errorf("chromem backend needs an embedder")
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	if path == "" {
		return &ChromemBackend{db: chromem.NewDB(), embedder: embedder}, nil
	}

	path = config.ExpandPath(path)
	if err := os.MkdirAll(path, 0o700); err != nil {
		return nil, fmt.Errorf("create knowledge dir %s: %w", path, err)
	}
	db, err := chromem.NewPersistentDB(path, false)
	if err != nil {
		return nil, fmt.Errorf("open chromem db: %w", err)
	}
	logger.Info(context.Background(), "chromem knowledge base opened", zap.String("path", path))
	return &ChromemBackend{db: db, embedder: embedder}, nil
}

func (b *ChromemBackend) collection(name string) (*chromem.Collection, error) {
	c, err := b.db.GetOrCreateCollection(name, nil, b.embedder.EmbedQuery)
	if err != nil {
		return nil, fmt.Errorf("collection %s: %w", name, err)
	}
	return c, nil
}

func (b *ChromemBackend) Upsert(ctx context.Context, collection string, docs []Document) error {
	if len(docs) == 0 {
		return nil
	}
	c, err := b.collection(collection)
	if err != nil {
		return err
	}

	texts := make([]string, len(docs))
	for i, d := range docs {
		texts[i] = d.Content
	}
	vecs, err := b.embedder.EmbedDocuments(ctx, texts)
	if err != nil {
		return fmt.Errorf("embed documents: %w", err)
	}
	if len(vecs) != len(docs) {
		return fmt.Errorf("embedder returned %d vectors for %d documents", len(vecs), len(docs))
	}

	// chromem replaces a document whose ID already exists
	for i, d := range docs {
		err := c.AddDocument(ctx, chromem.Document{
			ID:        d.ID,
			Content:   d.Content,
			Metadata:  d.Metadata,
			Embedding: vecs[i],
		})
		if err != nil {
			return fmt.Errorf("add document %s: %w", d.ID, err)
		}
	}
	return nil
}

func (b *ChromemBackend) Query(ctx context.Context, collection, text string, k int) ([]Hit, error) {
	c, err := b.collection(collection)
	if err != nil {
		return nil, err
	}
	// chromem rejects nResults above the document count
	if n := c.Count(); n == 0 {
		return nil, nil
	} else if k > n {
		k = n
	}

	vec, err := b.embedder.EmbedQuery(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	res, err := c.QueryEmbedding(ctx, vec, k, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", collection, err)
	}
	hits := make([]Hit, len(res))
	for i, r := range res {
		hits[i] = Hit{
			Document: Document{ID: r.ID, Content: r.Content, Metadata: r.Metadata},
			Score:    r.Similarity,
		}
	}
	return hits, nil
}

// Count returns the number of documents in collection.
func (b *ChromemBackend) Count(collection string) int {
	c := b.db.GetCollection(collection, b.embedder.EmbedQuery)
	if c == nil {
		return 0
	}
	return c.Count()
}

func (b *ChromemBackend) Close() error { return nil }
