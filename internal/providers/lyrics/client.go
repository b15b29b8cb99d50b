package lyrics

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/smallbiznis/songforge/internal/config"
	"github.com/smallbiznis/songforge/internal/observability/metrics"
	"github.com/smallbiznis/songforge/internal/store"
	"go.uber.org/zap"
)

const providerName = "lyrics"

// ErrMissingAPIKey indicates that the client was configured without credentials.
var ErrMissingAPIKey = errors.New("lyrics: api key is required")

// Options configures the lyrics provider client.
type Options struct {
	APIKey         string
	BaseURL        string
	Model          string
	HTTPClient     *http.Client
	RequestTimeout time.Duration
	Logger         *zap.Logger
	Metrics        *metrics.Metrics
}

// Request carries the user input used to write lyrics.
type Request struct {
	Style         string `json:"style"`
	Title         string `json:"title"`
	LyricsDetails string `json:"lyricsDetails,omitempty"`
	Dedication    string `json:"dedication,omitempty"`
	Donation      string `json:"donation,omitempty"`
}

// Generator writes lyrics for a request.
type Generator interface {
	Generate(ctx context.Context, req Request) (string, error)
}

// Client performs HTTP calls to the lyrics provider.
type Client struct {
	apiKey     string
	baseURL    string
	model      string
	httpClient *http.Client
	log        *zap.Logger
	metrics    *metrics.Metrics
}

type generateRequest struct {
	Request
	Model string `json:"model,omitempty"`
}

type envelope struct {
	Code *int   `json:"code"`
	Msg  string `json:"msg"`
	Data *struct {
		Lyrics string `json:"lyrics"`
	} `json:"data"`
}

// NewClient constructs a client with defaults for missing options.
func NewClient(opts Options) (*Client, error) {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		timeout := opts.RequestTimeout
		if timeout <= 0 {
			timeout = 60 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		return nil, errors.New("lyrics: base url is required")
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{
		apiKey:     strings.TrimSpace(opts.APIKey),
		baseURL:    baseURL,
		model:      strings.TrimSpace(opts.Model),
		httpClient: httpClient,
		log:        log.Named("providers.lyrics"),
		metrics:    opts.Metrics,
	}, nil
}

// NewFromConfig builds the client from process configuration.
func NewFromConfig(cfg config.Config, log *zap.Logger, m *metrics.Metrics) (*Client, error) {
	return NewClient(Options{
		APIKey:         cfg.Lyrics.APIKey,
		BaseURL:        cfg.Lyrics.BaseURL,
		Model:          cfg.Lyrics.Model,
		RequestTimeout: cfg.Lyrics.Timeout,
		Logger:         log,
		Metrics:        m,
	})
}

// Generate returns lyrics for req. Errors wrap store.ErrProviderTransient or
// store.ErrProviderTerminal.
func (c *Client) Generate(ctx context.Context, req Request) (string, error) {
	lyrics, err := c.generate(ctx, req)
	c.metrics.RecordProviderCall(ctx, providerName, "generate", outcome(err))
	return lyrics, err
}

func (c *Client) generate(ctx context.Context, req Request) (string, error) {
	if c.apiKey == "" {
		return "", fmt.Errorf("%w: %v", store.ErrProviderTerminal, ErrMissingAPIKey)
	}
	if strings.TrimSpace(req.Style) == "" || strings.TrimSpace(req.Title) == "" {
		return "", fmt.Errorf("%w: lyrics: style and title are required", store.ErrProviderTerminal)
	}

	body, err := json.Marshal(generateRequest{Request: req, Model: c.model})
	if err != nil {
		return "", fmt.Errorf("%w: lyrics: encode request: %v", store.ErrProviderTerminal, err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/lyrics", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("%w: lyrics: build request: %v", store.ErrProviderTerminal, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	start := time.Now()
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", fmt.Errorf("%w: lyrics: %v", store.ErrProviderTransient, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("%w: lyrics: read response: %v", store.ErrProviderTransient, err)
	}
	c.log.Debug("lyrics provider responded",
		zap.Int("status", resp.StatusCode),
		zap.Duration("latency", time.Since(start)),
	)

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return "", fmt.Errorf("%w: lyrics: http %d", store.ErrProviderTransient, resp.StatusCode)
	}
	if resp.StatusCode >= 400 {
		return "", fmt.Errorf("%w: lyrics: http %d: %s", store.ErrProviderTerminal, resp.StatusCode, truncate(string(raw), 200))
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil || env.Code == nil {
		return "", fmt.Errorf("%w: lyrics: invalid envelope", store.ErrProviderTerminal)
	}
	if *env.Code != http.StatusOK {
		kind := store.ErrProviderTerminal
		if *env.Code == http.StatusTooManyRequests || *env.Code >= 500 {
			kind = store.ErrProviderTransient
		}
		return "", fmt.Errorf("%w: lyrics: code %d: %s", kind, *env.Code, env.Msg)
	}
	if env.Data == nil || strings.TrimSpace(env.Data.Lyrics) == "" {
		return "", fmt.Errorf("%w: lyrics: invalid envelope", store.ErrProviderTerminal)
	}
	return strings.TrimSpace(env.Data.Lyrics), nil
}

func outcome(err error) string {
	if err == nil {
		return "ok"
	}
	return store.Classify(err)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
