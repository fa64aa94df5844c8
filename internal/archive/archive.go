// Package archive uploads delivered workspaces to S3-compatible storage.
package archive

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/forgeline/internal/config"
	"github.com/fyrsmithlabs/forgeline/internal/logging"
)

const contentType = "application/gzip"

var (
	uploads = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "forgeline",
		Subsystem: "archive",
		Name:      "uploads_total",
		Help:      "Workspace archive uploads by result.",
	}, []string{"result"})
	uploadBytes = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "forgeline",
		Subsystem: "archive",
		Name:      "uploaded_bytes_total",
		Help:      "Compressed bytes uploaded.",
	})
)

// objectStore is the part of *minio.Client the archiver uses.
type objectStore interface {
	BucketExists(ctx context.Context, bucket string) (bool, error)
	MakeBucket(ctx context.Context, bucket string, opts minio.MakeBucketOptions) error
	PutObject(ctx context.Context, bucket, object string, reader io.Reader, size int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
}

// Archiver packs a workspace and uploads it as runs/<run id>.tar.gz.
type Archiver struct {
	store       objectStore
	bucket      string
	ignoreFiles []string
	logger      *logging.Logger

	ensureMu sync.Mutex
	ensured  bool
}

// New connects to the store described by cfg.
func New(cfg config.ArchiveConfig, logger *logging.Logger) (*Archiver, error) {
	if cfg.Endpoint == "" {
		return nil, errors.New("archive endpoint is required")
	}
	if cfg.AccessKey == "" || !cfg.SecretKey.IsSet() {
		return nil, errors.New("archive access_key and secret_key are required")
	}
	mc, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey.Value(), ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}
	return newArchiver(mc, cfg.Bucket, logger), nil
}

func newArchiver(store objectStore, bucket string, logger *logging.Logger) *Archiver {
	if logger == nil {
		logger = logging.NewNop()
	}
	if bucket == "" {
		bucket = "forgeline-artifacts"
	}
	return &Archiver{
		store:       store,
		bucket:      bucket,
		ignoreFiles: DefaultIgnoreFiles,
		logger:      logger.Named("archive"),
	}
}

// Key is the object name a run's archive is stored under.
func Key(runID string) string {
	return "runs/" + runID + ".tar.gz"
}

// Archive uploads root and returns an s3:// URL for it.
func (a *Archiver) Archive(ctx context.Context, runID, root string) (string, error) {
	if err := a.ensureBucket(ctx); err != nil {
		uploads.WithLabelValues("error").Inc()
		return "", err
	}

	filter, err := LoadFilter(root, a.ignoreFiles)
	if err != nil {
		uploads.WithLabelValues("error").Inc()
		return "", fmt.Errorf("load ignore files: %w", err)
	}
	var buf bytes.Buffer
	files, err := Pack(&buf, root, runID, filter)
	if err != nil {
		uploads.WithLabelValues("error").Inc()
		return "", fmt.Errorf("pack %s: %w", root, err)
	}

	key := Key(runID)
	size := int64(buf.Len())
	if _, err := a.store.PutObject(ctx, a.bucket, key, &buf, size, minio.PutObjectOptions{
		ContentType:  contentType,
		UserMetadata: map[string]string{"run-id": runID},
	}); err != nil {
		uploads.WithLabelValues("error").Inc()
		return "", fmt.Errorf("upload %s: %w", key, err)
	}

	uploads.WithLabelValues("ok").Inc()
	uploadBytes.Add(float64(size))
	a.logger.Info(ctx, "workspace archived",
		zap.String("bucket", a.bucket),
		zap.String("key", key),
		zap.Int("files", files),
		zap.Int64("bytes", size),
	)
	return fmt.Sprintf("s3://%s/%s", a.bucket, key), nil
}

func (a *Archiver) ensureBucket(ctx context.Context) error {
	a.ensureMu.Lock()
	defer a.ensureMu.Unlock()
	if a.ensured {
		return nil
	}
	exists, err := a.store.BucketExists(ctx, a.bucket)
	if err != nil {
		return fmt.Errorf("check bucket: %w", err)
	}
	if !exists {
		if err := a.store.MakeBucket(ctx, a.bucket, minio.MakeBucketOptions{}); err != nil {
			return fmt.Errorf("create bucket: %w", err)
		}
		a.logger.Info(ctx, "bucket created", zap.String("bucket", a.bucket))
	}
	a.ensured = true
	return nil
}
