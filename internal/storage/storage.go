// Package storage persists song artifacts in an object store.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/gosimple/slug"
)

var ErrInvalidKey = errors.New("storage: invalid object key")

// Object describes a stored artifact.
type Object struct {
	Bucket      string
	Path        string
	URL         string
	Size        int64
	ContentType string
}

// ObjectStore writes artifacts under a key and returns where they landed.
type ObjectStore interface {
	Put(ctx context.Context, key string, body io.Reader, contentType string) (Object, error)
}

// SongKey returns songs/<userID>/<songID>-<slug(title)>.mp3.
func SongKey(userID, songID int64, title string) string {
	name := strconv.FormatInt(songID, 10)
	if s := slug.Make(title); s != "" {
		name += "-" + s
	}
	return fmt.Sprintf("songs/%d/%s.mp3", userID, name)
}

func cleanKey(key string) (string, error) {
	key = strings.TrimLeft(strings.TrimSpace(key), "/")
	if key == "" || strings.Contains(key, "..") {
		return "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return key, nil
}

func joinURL(base, key string) string {
	return strings.TrimRight(base, "/") + "/" + key
}
