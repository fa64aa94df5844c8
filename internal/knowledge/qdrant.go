package knowledge

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/qdrant/go-client/qdrant"
	"go.uber.org/zap"
	"google.golang.org/grpc"

	"github.com/fyrsmithlabs/forgeline/internal/embeddings"
	"github.com/fyrsmithlabs/forgeline/internal/logging"
)

type QdrantConfig struct {
	Host       string
	Port       int
	UseTLS     bool
	APIKey     string
	VectorSize int
	// MaxMessageSize caps gRPC messages; module sources can be large.
	MaxMessageSize int
}

// QdrantBackend stores collections in a remote Qdrant over gRPC. Module ids
// are UUIDs, which Qdrant accepts as point ids directly.
type QdrantBackend struct {
	client   *qdrant.Client
	embedder embeddings.Embedder
	cfg      QdrantConfig
	logger   *logging.Logger

	collections sync.Map
}

func NewQdrantBackend(cfg QdrantConfig, embedder embeddings.Embedder, logger *logging.Logger) (*QdrantBackend, error) {
	if embedder == nil {
		return nil, fmt.Errorf("qdrant backend needs an embedder")
	}
	if cfg.VectorSize <= 0 {
		return nil, fmt.Errorf("qdrant vector size must be positive, got %d", cfg.VectorSize)
	}
	if cfg.MaxMessageSize == 0 {
		cfg.MaxMessageSize = 50 * 1024 * 1024
	}
	if logger == nil {
		logger = logging.NewNop()
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   cfg.Host,
		Port:   cfg.Port,
		APIKey: cfg.APIKey,
		UseTLS: cfg.UseTLS,
		GrpcOptions: []grpc.DialOption{
			grpc.WithDefaultCallOptions(
				grpc.MaxCallRecvMsgSize(cfg.MaxMessageSize),
				grpc.MaxCallSendMsgSize(cfg.MaxMessageSize),
			),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("connect qdrant: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := client.HealthCheck(ctx); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("qdrant health check: %w", err)
	}
	if !cfg.UseTLS {
		logger.Warn(ctx, "qdrant connection is plaintext", zap.String("host", cfg.Host))
	}
	return &QdrantBackend{client: client, embedder: embedder, cfg: cfg, logger: logger}, nil
}

func (b *QdrantBackend) ensureCollection(ctx context.Context, name string) error {
	if _, ok := b.collections.Load(name); ok {
		return nil
	}
	exists, err := b.client.CollectionExists(ctx, name)
	if err != nil {
		return fmt.Errorf("check collection %s: %w", name, err)
	}
	if !exists {
		err := b.client.CreateCollection(ctx, &qdrant.CreateCollection{
			CollectionName: name,
			VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
				Size:     uint64(b.cfg.VectorSize),
				Distance: qdrant.Distance_Cosine,
			}),
		})
		if err != nil {
			return fmt.Errorf("create collection %s: %w", name, err)
		}
		b.logger.Info(ctx, "qdrant collection created", zap.String("collection", name))
	}
	b.collections.Store(name, true)
	return nil
}

func (b *QdrantBackend) Upsert(ctx context.Context, collection string, docs []Document) error {
	if len(docs) == 0 {
		return nil
	}
	if err := b.ensureCollection(ctx, collection); err != nil {
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

	points := make([]*qdrant.PointStruct, len(docs))
	for i, d := range docs {
		points[i] = &qdrant.PointStruct{
			Id:      qdrant.NewIDUUID(d.ID),
			Vectors: qdrant.NewVectors(vecs[i]...),
			Payload: toPayload(d),
		}
	}
	_, err = b.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: collection,
		Wait:           qdrant.PtrOf(true),
		Points:         points,
	})
	if err != nil {
		return fmt.Errorf("upsert into %s: %w", collection, err)
	}
	return nil
}

func (b *QdrantBackend) Query(ctx context.Context, collection, text string, k int) ([]Hit, error) {
	if err := b.ensureCollection(ctx, collection); err != nil {
		return nil, err
	}
	vec, err := b.embedder.EmbedQuery(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	points, err := b.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: collection,
		Query:          qdrant.NewQuery(vec...),
		Limit:          qdrant.PtrOf(uint64(k)),
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", collection, err)
	}
	hits := make([]Hit, len(points))
	for i, p := range points {
		hits[i] = Hit{Document: fromPayload(p.GetPayload()), Score: p.GetScore()}
	}
	return hits, nil
}

func (b *QdrantBackend) Close() error {
	return b.client.Close()
}

// content and metadata share the payload; the id is kept too since
// Query results carry it only as a PointId.
func toPayload(d Document) map[string]*qdrant.Value {
	p := make(map[string]*qdrant.Value, len(d.Metadata)+2)
	for k, v := range d.Metadata {
		p["md_"+k] = qdrant.NewValueString(v)
	}
	p["content"] = qdrant.NewValueString(d.Content)
	p["id"] = qdrant.NewValueString(d.ID)
	return p
}

func fromPayload(p map[string]*qdrant.Value) Document {
	d := Document{Metadata: make(map[string]string, len(p))}
	for k, v := range p {
		switch {
		case k == "content":
			d.Content = v.GetStringValue()
		case k == "id":
			d.ID = v.GetStringValue()
		case len(k) > 3 && k[:3] == "md_":
			d.Metadata[k[3:]] = v.GetStringValue()
		}
	}
	return d
}
