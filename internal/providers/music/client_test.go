package music

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
	client, err := NewClient(Options{APIKey: "k", BaseURL: srv.URL, CallbackURL: "https://example.com/cb"})
	require.NoError(t, err)
	return client
}

func TestSubmit(t *testing.T) {
	var got generateRequest
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/v1/generate", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"code":200,"msg":"success","data":{"taskId":"ext-1"}}`))
	})

	taskID, err := client.Submit(context.Background(), SubmitRequest{Lyrics: "verse", Title: "Song", StylePrompt: "jazz"})
	require.NoError(t, err)
	assert.Equal(t, "ext-1", taskID)
	assert.Equal(t, "verse", got.Prompt)
	assert.Equal(t, "jazz", got.Style)
	assert.True(t, got.CustomMode)
	assert.Equal(t, "V4_5", got.Model)
	assert.Equal(t, "https://example.com/cb", got.CallBackURL)
}

func TestSubmitEmptyTaskIDIsTerminal(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"code":200,"msg":"success","data":{"taskId":""}}`))
	})
	_, err := client.Submit(context.Background(), SubmitRequest{Lyrics: "verse"})
	assert.ErrorIs(t, err, store.ErrProviderTerminal)
}

func TestGetStatusParsesSongs(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/generate/record-info", r.URL.Path)
		assert.Equal(t, "ext-1", r.URL.Query().Get("taskId"))
		_, _ = w.Write([]byte(`{"code":200,"msg":"success","data":{
			"taskId":"ext-1","status":"FIRST_SUCCESS",
			"response":{"sunoData":[
				{"id":"s1","audioUrl":"https://cdn/a.mp3","streamAudioUrl":"https://cdn/s1","imageUrl":"https://cdn/i.png","title":"Song","tags":"pop","duration":182.5,"createTime":1735689600000},
				{"id":"s2","audioUrl":"","streamAudioUrl":"https://cdn/s2","title":"Song","createTime":"2025-01-01 00:00:00"},
				{"id":""}
			]},
			"errorCode":null,"errorMessage":null}}`))
	})

	res, err := client.GetStatus(context.Background(), "ext-1")
	require.NoError(t, err)
	assert.Equal(t, store.ProviderFirstSuccess, res.Status)
	require.Len(t, res.Songs, 2)
	assert.Equal(t, "s1", res.Songs[0].ID)
	assert.Equal(t, "https://cdn/a.mp3", res.Songs[0].AudioURL)
	assert.Equal(t, 182.5, res.Songs[0].Duration)
	assert.Equal(t, "1735689600000", res.Songs[0].CreateTime)
	assert.Equal(t, "2025-01-01 00:00:00", res.Songs[1].CreateTime)
}

func TestGetStatusFailureReport(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"code":200,"msg":"success","data":{"taskId":"ext-1","status":"SENSITIVE_WORD_ERROR","errorCode":413,"errorMessage":"blocked"}}`))
	})
	res, err := client.GetStatus(context.Background(), "ext-1")
	require.NoError(t, err)
	assert.True(t, res.Status.IsFailure())
	assert.Equal(t, "413", res.ErrorCode)
	assert.Equal(t, "blocked", res.ErrorMessage)
}

func TestGetStatusUnknownStatusIsTerminal(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"code":200,"msg":"success","data":{"taskId":"ext-1","status":"MYSTERY"}}`))
	})
	_, err := client.GetStatus(context.Background(), "ext-1")
	assert.ErrorIs(t, err, store.ErrProviderTerminal)
}

func TestApplicationCodes(t *testing.T) {
	cases := map[int]error{
		400: store.ErrProviderTerminal,
		401: store.ErrProviderTerminal,
		404: store.ErrProviderTerminal,
		413: store.ErrProviderTerminal,
		429: store.ErrProviderTransient,
		430: store.ErrProviderTransient,
		455: store.ErrProviderTransient,
		500: store.ErrProviderTransient,
		501: store.ErrProviderTerminal,
	}
	for code, want := range cases {
		body, _ := json.Marshal(map[string]any{"code": code, "msg": "x", "data": nil})
		client := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write(body)
		})
		_, err := client.GetStatus(context.Background(), "ext-1")
		assert.ErrorIs(t, err, want, "code %d", code)
	}
	assert.NoError(t, ClassifyCode(200, "ok"))
}

func TestHTTPServerErrorIsTransient(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	_, err := client.GetStatus(context.Background(), "ext-1")
	assert.ErrorIs(t, err, store.ErrProviderTransient)
}
