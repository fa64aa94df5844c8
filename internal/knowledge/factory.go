package knowledge

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/fyrsmithlabs/forgeline/internal/config"
	"github.com/fyrsmithlabs/forgeline/internal/embeddings"
	"github.com/fyrsmithlabs/forgeline/internal/logging"
)

// Open builds the configured backend and wraps it in a Store.
func Open(cfg config.KnowledgeConfig, provider embeddings.Provider, logger *logging.Logger) (*Store, error) {
	var (
		backend Backend
		err     error
	)
	switch cfg.Provider {
	case "chromem", "":
		backend, err = NewChromemBackend(cfg.Path, provider, logger)
	case "qdrant":
		backend, err = NewQdrantBackend(QdrantConfig{
			Host:       cfg.Qdrant.Host,
			Port:       cfg.Qdrant.Port,
			UseTLS:     cfg.Qdrant.UseTLS,
			APIKey:     cfg.Qdrant.APIKey.Value(),
			VectorSize: provider.Dimension(),
		}, provider, logger)
	default:
		return nil, fmt.Errorf("unknown knowledge provider %q", cfg.Provider)
	}
	if err != nil {
		return nil, err
	}
	return New(backend, Config{
		Collection:       CollectionName(cfg.Collection),
		LessonCollection: CollectionName(cfg.LessonCollection),
		SufficientScore:  float32(cfg.SufficientScore),
	}, logger), nil
}

// maxCollectionName is the longest name both backends accept.
const maxCollectionName = 64

// CollectionName maps a configured name onto [a-z0-9_]{1,64}: other runes
// become underscores, runs of underscores collapse, and names that are too
// long keep a prefix plus an 8-hex-digit hash of the whole name. An empty
// result returns "" so Store defaults apply.
func CollectionName(name string) string {
	var b strings.Builder
	b.Grow(len(name))
	underscore := false
	for _, r := range strings.ToLower(name) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
			underscore = false
			continue
		}
		if !underscore {
			b.WriteByte('_')
			underscore = true
		}
	}
	out := strings.Trim(b.String(), "_")
	if len(out) <= maxCollectionName {
		return out
	}
	sum := sha256.Sum256([]byte(out))
	suffix := "_" + hex.EncodeToString(sum[:4])
	return strings.TrimRight(out[:maxCollectionName-len(suffix)], "_") + suffix
}
