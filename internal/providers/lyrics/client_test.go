package lyrics

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/smallbiznis/songforge/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	client, err := NewClient(Options{APIKey: "test-key", BaseURL: srv.URL, Model: "lyrics-1"})
	require.NoError(t, err)
	return client
}

func TestGenerateSendsRequest(t *testing.T) {
	var got generateRequest
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/lyrics", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"code":200,"msg":"ok","data":{"lyrics":"  la la la  "}}`))
	})

	lyrics, err := client.Generate(context.Background(), Request{Style: "pop", Title: "Mom", Dedication: "for mom"})
	require.NoError(t, err)
	assert.Equal(t, "la la la", lyrics)
	assert.Equal(t, "pop", got.Style)
	assert.Equal(t, "for mom", got.Dedication)
	assert.Equal(t, "lyrics-1", got.Model)
}

func TestGenerateRejectsInvalidEnvelope(t *testing.T) {
	cases := map[string]string{
		"missing code": `{"data":{"lyrics":"x"}}`,
		"missing data": `{"code":200,"msg":"ok"}`,
		"empty lyrics": `{"code":200,"data":{"lyrics":"   "}}`,
		"not json":     `<html>`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			client := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
				_, _ = w.Write([]byte(body))
			})
			_, err := client.Generate(context.Background(), Request{Style: "pop", Title: "t"})
			assert.ErrorIs(t, err, store.ErrProviderTerminal)
			assert.Contains(t, err.Error(), "invalid envelope")
		})
	}
}

func TestGenerateClassifiesHTTPStatus(t *testing.T) {
	cases := []struct {
		status int
		want   error
	}{
		{http.StatusTooManyRequests, store.ErrProviderTransient},
		{http.StatusBadGateway, store.ErrProviderTransient},
		{http.StatusBadRequest, store.ErrProviderTerminal},
		{http.StatusUnauthorized, store.ErrProviderTerminal},
	}
	for _, tc := range cases {
		client := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(tc.status)
		})
		_, err := client.Generate(context.Background(), Request{Style: "pop", Title: "t"})
		assert.ErrorIs(t, err, tc.want, "status %d", tc.status)
	}
}

func TestGenerateRequiresCredentialsAndInput(t *testing.T) {
	client, err := NewClient(Options{BaseURL: "http://127.0.0.1:1"})
	require.NoError(t, err)
	_, err = client.Generate(context.Background(), Request{Style: "pop", Title: "t"})
	assert.ErrorIs(t, err, store.ErrProviderTerminal)

	client, err = NewClient(Options{APIKey: "k", BaseURL: "http://127.0.0.1:1"})
	require.NoError(t, err)
	_, err = client.Generate(context.Background(), Request{Title: "t"})
	assert.ErrorIs(t, err, store.ErrProviderTerminal)

	_, err = NewClient(Options{APIKey: "k"})
	assert.Error(t, err)
}
