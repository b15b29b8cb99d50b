package storage

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSongKey(t *testing.T) {
	assert.Equal(t, "songs/7/42-happy-birthday-anna.mp3", SongKey(7, 42, "Happy Birthday, Anna!"))
	assert.Equal(t, "songs/7/42.mp3", SongKey(7, 42, "  "))
}

func TestFileStorePut(t *testing.T) {
	dir := t.TempDir()
	s := NewFileStore(dir, "https://cdn.example.com/media/")

	obj, err := s.Put(context.Background(), "songs/1/2-x.mp3", strings.NewReader("abc"), "audio/mpeg")
	require.NoError(t, err)
	assert.Equal(t, "songs/1/2-x.mp3", obj.Path)
	assert.Equal(t, "https://cdn.example.com/media/songs/1/2-x.mp3", obj.URL)
	assert.EqualValues(t, 3, obj.Size)
	assert.Equal(t, "audio/mpeg", obj.ContentType)

	data, err := os.ReadFile(filepath.Join(dir, "songs", "1", "2-x.mp3"))
	require.NoError(t, err)
	assert.Equal(t, "abc", string(data))
}

func TestFileStoreRejectsTraversal(t *testing.T) {
	s := NewFileStore(t.TempDir(), "")
	_, err := s.Put(context.Background(), "../escape.mp3", strings.NewReader("x"), "audio/mpeg")
	assert.ErrorIs(t, err, ErrInvalidKey)

	_, err = s.Put(context.Background(), " ", strings.NewReader("x"), "audio/mpeg")
	assert.ErrorIs(t, err, ErrInvalidKey)
}
