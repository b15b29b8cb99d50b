package storage

import (
	"context"
	"fmt"
	"strings"

	"github.com/smallbiznis/songforge/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("storage",
	fx.Provide(NewObjectStore),
)

// NewObjectStore picks the backend named by STORAGE_DRIVER.
func NewObjectStore(lc fx.Lifecycle, cfg config.Config, log *zap.Logger) (ObjectStore, error) {
	log = log.Named("storage")
	switch strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)) {
	case "", "local":
		log.Info("using local object store", zap.String("dir", cfg.Storage.LocalDir))
		return NewFileStore(cfg.Storage.LocalDir, cfg.Storage.PublicBaseURL), nil
	case "gcs":
		if cfg.Storage.Bucket == "" {
			return nil, fmt.Errorf("storage: STORAGE_BUCKET is required for gcs")
		}
		client, err := NewGCSClient(context.Background(), cfg.Storage.CredentialsJSON)
		if err != nil {
			return nil, fmt.Errorf("storage: gcs client: %w", err)
		}
		store := NewGCSStore(client, cfg.Storage.Bucket, cfg.Storage.PublicBaseURL)
		lc.Append(fx.Hook{
			OnStop: func(context.Context) error { return store.Close() },
		})
		log.Info("using gcs object store", zap.String("bucket", cfg.Storage.Bucket))
		return store, nil
	default:
		return nil, fmt.Errorf("storage: unknown driver %q", cfg.Storage.Driver)
	}
}
