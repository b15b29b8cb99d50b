package music

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/smallbiznis/songforge/internal/config"
	"github.com/smallbiznis/songforge/internal/observability/metrics"
	"github.com/smallbiznis/songforge/internal/store"
	"go.uber.org/zap"
)

const providerName = "music"

var ErrMissingAPIKey = errors.New("music: api key is required")

// Options configures the music provider client.
type Options struct {
	APIKey         string
	BaseURL        string
	Model          string
	CallbackURL    string
	HTTPClient     *http.Client
	RequestTimeout time.Duration
	Logger         *zap.Logger
	Metrics        *metrics.Metrics
}

type SubmitRequest struct {
	Lyrics      string
	Title       string
	StylePrompt string
}

// StatusResult is one status report for an external task.
type StatusResult struct {
	TaskID       string
	Status       store.ProviderStatus
	Songs        []store.SongAPIData
	ErrorCode    string
	ErrorMessage string
}

// Provider submits and tracks external generation tasks.
type Provider interface {
	Submit(ctx context.Context, req SubmitRequest) (string, error)
	GetStatus(ctx context.Context, taskID string) (*StatusResult, error)
}

// Client performs HTTP calls to the music provider.
type Client struct {
	apiKey      string
	baseURL     string
	model       string
	callbackURL string
	httpClient  *http.Client
	log         *zap.Logger
	metrics     *metrics.Metrics
}

type generateRequest struct {
	Prompt       string `json:"prompt"`
	Title        string `json:"title"`
	Style        string `json:"style"`
	CustomMode   bool   `json:"customMode"`
	Instrumental bool   `json:"instrumental"`
	Model        string `json:"model"`
	CallBackURL  string `json:"callBackUrl"`
}

type envelope struct {
	Code *int            `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

type submitData struct {
	TaskID string `json:"taskId"`
}

type sunoSong struct {
	ID             string     `json:"id"`
	AudioURL       string     `json:"audioUrl"`
	StreamAudioURL string     `json:"streamAudioUrl"`
	ImageURL       string     `json:"imageUrl"`
	Title          string     `json:"title"`
	Tags           string     `json:"tags"`
	Duration       float64    `json:"duration"`
	CreateTime     flexString `json:"createTime"`
}

type recordData struct {
	TaskID   string `json:"taskId"`
	Status   string `json:"status"`
	Response *struct {
		SunoData []sunoSong `json:"sunoData"`
	} `json:"response"`
	ErrorCode    flexString `json:"errorCode"`
	ErrorMessage string     `json:"errorMessage"`
}

// flexString accepts a JSON string or number.
type flexString string

func (f *flexString) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		*f = ""
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		*f = flexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*f = flexString(n.String())
	return nil
}

func NewClient(opts Options) (*Client, error) {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		timeout := opts.RequestTimeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		baseURL = "https://api.sunoapi.org"
	}
	model := strings.TrimSpace(opts.Model)
	if model == "" {
		model = "V4_5"
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{
		apiKey:      strings.TrimSpace(opts.APIKey),
		baseURL:     baseURL,
		model:       model,
		callbackURL: strings.TrimSpace(opts.CallbackURL),
		httpClient:  httpClient,
		log:         log.Named("providers.music"),
		metrics:     opts.Metrics,
	}, nil
}

func NewFromConfig(cfg config.Config, log *zap.Logger, m *metrics.Metrics) (*Client, error) {
	return NewClient(Options{
		APIKey:         cfg.Music.APIKey,
		BaseURL:        cfg.Music.BaseURL,
		Model:          cfg.Music.Model,
		CallbackURL:    cfg.Music.CallbackURL,
		RequestTimeout: cfg.Music.Timeout,
		Logger:         log,
		Metrics:        m,
	})
}

// Submit starts an external generation task and returns its id.
func (c *Client) Submit(ctx context.Context, req SubmitRequest) (string, error) {
	taskID, err := c.submit(ctx, req)
	c.metrics.RecordProviderCall(ctx, providerName, "submit", outcome(err))
	return taskID, err
}

func (c *Client) submit(ctx context.Context, req SubmitRequest) (string, error) {
	if strings.TrimSpace(req.Lyrics) == "" {
		return "", fmt.Errorf("%w: music: lyrics are required", store.ErrProviderTerminal)
	}
	body, err := json.Marshal(generateRequest{
		Prompt:       req.Lyrics,
		Title:        req.Title,
		Style:        req.StylePrompt,
		CustomMode:   true,
		Instrumental: false,
		Model:        c.model,
		CallBackURL:  c.callbackURL,
	})
	if err != nil {
		return "", fmt.Errorf("%w: music: encode request: %v", store.ErrProviderTerminal, err)
	}

	var data submitData
	if err := c.do(ctx, http.MethodPost, "/api/v1/generate", bytes.NewReader(body), &data); err != nil {
		return "", err
	}
	taskID := strings.TrimSpace(data.TaskID)
	if taskID == "" {
		return "", fmt.Errorf("%w: music: empty task id", store.ErrProviderTerminal)
	}
	return taskID, nil
}

// GetStatus reports the current status of an external task.
func (c *Client) GetStatus(ctx context.Context, taskID string) (*StatusResult, error) {
	res, err := c.getStatus(ctx, taskID)
	c.metrics.RecordProviderCall(ctx, providerName, "status", outcome(err))
	return res, err
}

func (c *Client) getStatus(ctx context.Context, taskID string) (*StatusResult, error) {
	taskID = strings.TrimSpace(taskID)
	if taskID == "" {
		return nil, fmt.Errorf("%w: music: task id is required", store.ErrProviderTerminal)
	}

	var data recordData
	path := "/api/v1/generate/record-info?taskId=" + url.QueryEscape(taskID)
	if err := c.do(ctx, http.MethodGet, path, nil, &data); err != nil {
		return nil, err
	}

	status, ok := store.ParseProviderStatus(strings.TrimSpace(data.Status))
	if !ok {
		return nil, fmt.Errorf("%w: music: unknown status %q", store.ErrProviderTerminal, data.Status)
	}
	result := &StatusResult{
		TaskID:       data.TaskID,
		Status:       status,
		ErrorCode:    string(data.ErrorCode),
		ErrorMessage: data.ErrorMessage,
	}
	if data.Response != nil {
		for _, s := range data.Response.SunoData {
			if strings.TrimSpace(s.ID) == "" {
				continue
			}
			result.Songs = append(result.Songs, store.SongAPIData{
				ID:             s.ID,
				AudioURL:       s.AudioURL,
				StreamAudioURL: s.StreamAudioURL,
				ImageURL:       s.ImageURL,
				Title:          s.Title,
				Tags:           s.Tags,
				Duration:       s.Duration,
				CreateTime:     string(s.CreateTime),
			})
		}
	}
	return result, nil
}

func (c *Client) do(ctx context.Context, method, path string, body io.Reader, out any) error {
	if c.apiKey == "" {
		return fmt.Errorf("%w: %v", store.ErrProviderTerminal, ErrMissingAPIKey)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("%w: music: build request: %v", store.ErrProviderTerminal, err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: music: %v", store.ErrProviderTransient, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("%w: music: read response: %v", store.ErrProviderTransient, err)
	}
	c.log.Debug("music provider responded",
		zap.String("method", method),
		zap.String("path", strings.SplitN(path, "?", 2)[0]),
		zap.Int("status", resp.StatusCode),
		zap.Duration("latency", time.Since(start)),
	)

	if resp.StatusCode >= 500 {
		return fmt.Errorf("%w: music: http %d", store.ErrProviderTransient, resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		if err := ClassifyCode(resp.StatusCode, http.StatusText(resp.StatusCode)); err != nil {
			return err
		}
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil || env.Code == nil {
		return fmt.Errorf("%w: music: invalid envelope", store.ErrProviderTerminal)
	}
	if err := ClassifyCode(*env.Code, env.Msg); err != nil {
		return err
	}
	if len(env.Data) == 0 || string(env.Data) == "null" {
		return fmt.Errorf("%w: music: invalid envelope", store.ErrProviderTerminal)
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("%w: music: decode data: %v", store.ErrProviderTerminal, err)
	}
	return nil
}

// ClassifyCode maps a provider application code onto the error taxonomy.
// 200 is success; rate limiting, insufficient credits on the provider side,
// maintenance and internal errors are transient; everything else is terminal.
func ClassifyCode(code int, msg string) error {
	switch code {
	case 200:
		return nil
	case 429, 430, 455, 500:
		return fmt.Errorf("%w: music: code %d: %s", store.ErrProviderTransient, code, msg)
	case 400, 401, 404, 413:
		return fmt.Errorf("%w: music: code %d: %s", store.ErrProviderTerminal, code, msg)
	default:
		return fmt.Errorf("%w: music: unexpected code %d: %s", store.ErrProviderTerminal, code, msg)
	}
}

func outcome(err error) string {
	if err == nil {
		return "ok"
	}
	return store.Classify(err)
}
