package storage

import (
	"context"
	"fmt"
	"io"
	"strings"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"
)

const gcsPublicBase = "https://storage.googleapis.com"

// GCSStore writes objects to a Google Cloud Storage bucket.
type GCSStore struct {
	client  *storage.Client
	bucket  string
	baseURL string
}

// NewGCSClient uses explicit credentials when given, application default credentials otherwise.
func NewGCSClient(ctx context.Context, credentialsJSON string) (*storage.Client, error) {
	if strings.TrimSpace(credentialsJSON) != "" {
		return storage.NewClient(ctx, option.WithCredentialsJSON([]byte(credentialsJSON)))
	}
	return storage.NewClient(ctx)
}

func NewGCSStore(client *storage.Client, bucket, publicBaseURL string) *GCSStore {
	base := strings.TrimSpace(publicBaseURL)
	if base == "" {
		base = gcsPublicBase + "/" + bucket
	}
	return &GCSStore{client: client, bucket: bucket, baseURL: base}
}

func (s *GCSStore) Put(ctx context.Context, key string, body io.Reader, contentType string) (Object, error) {
	key, err := cleanKey(key)
	if err != nil {
		return Object{}, err
	}

	wc := s.client.Bucket(s.bucket).Object(key).NewWriter(ctx)
	wc.ContentType = contentType
	size, err := io.Copy(wc, body)
	if err != nil {
		_ = wc.Close()
		return Object{}, fmt.Errorf("upload gs://%s/%s: %w", s.bucket, key, err)
	}
	if err := wc.Close(); err != nil {
		return Object{}, fmt.Errorf("finalize gs://%s/%s: %w", s.bucket, key, err)
	}

	return Object{
		Bucket:      s.bucket,
		Path:        key,
		URL:         joinURL(s.baseURL, key),
		Size:        size,
		ContentType: contentType,
	}, nil
}

func (s *GCSStore) Close() error {
	return s.client.Close()
}
