//go:build !cgo

package embeddings

import (
	"context"
	"errors"
)

var ErrFastEmbedNotAvailable = errors.New("fastembed requires a cgo build; use the tei, openai or hash provider")

type FastEmbedConfig struct {
	Model     string
	CacheDir  string
	MaxLength int
}

type FastEmbedProvider struct{}

func NewFastEmbedProvider(FastEmbedConfig) (*FastEmbedProvider, error) {
	return nil, ErrFastEmbedNotAvailable
}

func (*FastEmbedProvider) EmbedDocuments(context.Context, []string) ([][]float32, error) {
	return nil, ErrFastEmbedNotAvailable
}

func (*FastEmbedProvider) EmbedQuery(context.Context, string) ([]float32, error) {
	return nil, ErrFastEmbedNotAvailable
}

func (*FastEmbedProvider) Dimension() int { return 0 }

func (*FastEmbedProvider) Close() error { return nil }
