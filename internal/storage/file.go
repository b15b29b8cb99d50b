package storage

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// FileStore writes objects below a local directory.
type FileStore struct {
	dir     string
	baseURL string
}

func NewFileStore(dir, publicBaseURL string) *FileStore {
	if publicBaseURL == "" {
		publicBaseURL = "file://" + filepath.ToSlash(dir)
	}
	return &FileStore{dir: dir, baseURL: publicBaseURL}
}

func (s *FileStore) Put(ctx context.Context, key string, body io.Reader, contentType string) (Object, error) {
	key, err := cleanKey(key)
	if err != nil {
		return Object{}, err
	}
	if err := ctx.Err(); err != nil {
		return Object{}, err
	}

	path := filepath.Join(s.dir, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return Object{}, fmt.Errorf("create object dir: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".upload-*")
	if err != nil {
		return Object{}, fmt.Errorf("create temp object: %w", err)
	}
	size, err := io.Copy(tmp, body)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(tmp.Name())
		return Object{}, fmt.Errorf("write object %s: %w", key, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		_ = os.Remove(tmp.Name())
		return Object{}, fmt.Errorf("publish object %s: %w", key, err)
	}

	return Object{
		Bucket:      "local",
		Path:        key,
		URL:         joinURL(s.baseURL, key),
		Size:        size,
		ContentType: contentType,
	}, nil
}
