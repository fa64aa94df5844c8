// Package embeddings turns text into vectors for the knowledge base.
//
// Providers: fastembed (local ONNX, needs cgo and ONNX_PATH), tei (a
// text-embeddings-inference server), openai (any OpenAI-compatible
// /embeddings endpoint) and hash (deterministic, offline).
package embeddings

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/forgeline/internal/logging"
)

var (
	ErrEmptyInput      = errors.New("empty input")
	ErrInvalidConfig   = errors.New("invalid embeddings configuration")
	ErrEmbeddingFailed = errors.New("embedding failed")
)

// Embedder produces vectors for documents and queries.
type Embedder interface {
	EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error)
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
}

// Provider is an Embedder with a fixed output dimension.
type Provider interface {
	Embedder
	Dimension() int
	Close() error
}

// Config selects and configures a provider.
type Config struct {
	Provider  string
	Model     string
	BaseURL   string
	APIKey    string
	CacheDir  string
	Dimension int
}

// New creates the configured provider wrapped with metrics.
func New(cfg Config, logger *logging.Logger) (Provider, error) {
	if logger == nil {
		logger = logging.NewNop()
	}

	var (
		p   Provider
		err error
	)
	switch cfg.Provider {
	case "fastembed", "":
		p, err = NewFastEmbedProvider(FastEmbedConfig{Model: cfg.Model, CacheDir: cfg.CacheDir})
	case "tei":
		p, err = NewTEIProvider(cfg.BaseURL, cfg.Model, dimensionOr(cfg))
	case "openai":
		p, err = NewOpenAIProvider(cfg.BaseURL, cfg.APIKey, cfg.Model, dimensionOr(cfg))
	case "hash":
		p = NewHashEmbedder(dimensionOr(cfg))
	default:
		return nil, fmt.Errorf("%w: unknown provider %q", ErrInvalidConfig, cfg.Provider)
	}
	if err != nil {
		return nil, err
	}

	logger.Info(context.Background(), "embeddings provider ready",
		zap.String("provider", cfg.Provider),
		zap.String("model", cfg.Model),
		zap.Int("dimension", p.Dimension()),
	)
	return &instrumented{Provider: p, model: modelLabel(cfg)}, nil
}

func dimensionOr(cfg Config) int {
	if cfg.Dimension > 0 {
		return cfg.Dimension
	}
	return dimensionForModel(cfg.Model)
}

// dimensionForModel guesses the vector size from common model naming.
func dimensionForModel(model string) int {
	if dim, ok := knownDimensions[model]; ok {
		return dim
	}
	m := strings.ToLower(model)
	switch {
	case strings.Contains(m, "large"):
		return 1024
	case strings.Contains(m, "base"):
		return 768
	default:
		return 384
	}
}

var knownDimensions = map[string]int{
	"BAAI/bge-small-en-v1.5":                 384,
	"BAAI/bge-small-en":                      384,
	"BAAI/bge-base-en-v1.5":                  768,
	"BAAI/bge-base-en":                       768,
	"BAAI/bge-small-zh-v1.5":                 512,
	"sentence-transformers/all-MiniLM-L6-v2": 384,
	"text-embedding-3-small":                 1536,
	"text-embedding-3-large":                 3072,
	"text-embedding-ada-002":                 1536,
}

func modelLabel(cfg Config) string {
	if cfg.Model == "" {
		return cfg.Provider
	}
	return cfg.Model
}

type instrumented struct {
	Provider
	model string
}

func (i *instrumented) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	start := time.Now()
	out, err := i.Provider.EmbedDocuments(ctx, texts)
	recordGeneration(ctx, i.model, "embed_documents", time.Since(start), len(texts), err)
	return out, err
}

func (i *instrumented) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	start := time.Now()
	out, err := i.Provider.EmbedQuery(ctx, text)
	recordGeneration(ctx, i.model, "embed_query", time.Since(start), 1, err)
	return out, err
}
