package gcs

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"

	"github.com/varianteffect/mavedb-worker/internal/platform/logger"
)

// Service reads staged upload objects (score and count CSVs) out of the
// platform's object store.
type Service interface {
	Download(ctx context.Context, key string) (io.ReadCloser, error)
	Close() error
}

type service struct {
	log    *logger.Logger
	client *storage.Client
	bucket string
}

// New connects using MAVEDB_STORAGE_BUCKET and, when set,
// GOOGLE_APPLICATION_CREDENTIALS_JSON for inline credentials.
func New(ctx context.Context, log *logger.Logger) (Service, error) {
	bucket := strings.TrimSpace(os.Getenv("MAVEDB_STORAGE_BUCKET"))
	if bucket == "" {
		return nil, fmt.Errorf("missing MAVEDB_STORAGE_BUCKET")
	}

	var opts []option.ClientOption
	if raw := strings.TrimSpace(os.Getenv("GOOGLE_APPLICATION_CREDENTIALS_JSON")); raw != "" {
		opts = append(opts, option.WithCredentialsJSON([]byte(raw)))
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("storage client: %w", err)
	}
	return &service{
		log:    log.With("service", "StorageService"),
		client: client,
		bucket: bucket,
	}, nil
}

func (s *service) Download(ctx context.Context, key string) (io.ReadCloser, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, fmt.Errorf("storage download: key required")
	}
	r, err := s.client.Bucket(s.bucket).Object(key).NewReader(ctx)
	if err != nil {
		return nil, fmt.Errorf("storage download %q: %w", key, err)
	}
	return r, nil
}

func (s *service) Close() error {
	return s.client.Close()
}
