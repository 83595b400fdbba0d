package backend

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

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
	"golang.org/x/time/rate"

	"github.com/fyrsmithlabs/forged/internal/config"
	"github.com/fyrsmithlabs/forged/internal/logging"
	"github.com/fyrsmithlabs/forged/internal/session"
)

const (
	defaultTimeout     = 30 * time.Minute
	defaultMaxRetries  = 3
	defaultBaseBackoff = 500 * time.Millisecond
	defaultRateLimit   = 10.0
	defaultBurst       = 20
	generatePath       = "/v1/generate"
	maxErrorBody       = 4096
)

var requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "forged",
	Subsystem: "backend",
	Name:      "requests_total",
	Help:      "Generation requests sent to the HTTP backend, by outcome.",
}, []string{"outcome"})

// HTTPBackend streams generation events from a remote service that answers
// POST /v1/generate with newline-delimited JSON events.
type HTTPBackend struct {
	baseURL     string
	apiKey      config.Secret
	httpClient  *http.Client
	limiter     *rate.Limiter
	maxRetries  int
	baseBackoff time.Duration
	logger      *logging.Logger
}

// HTTPOption configures an HTTPBackend.
type HTTPOption func(*HTTPBackend)

// WithHTTPLogger sets the logger.
func WithHTTPLogger(l *logging.Logger) HTTPOption {
	return func(b *HTTPBackend) { b.logger = l }
}

// WithBackoff sets the base retry backoff.
func WithBackoff(d time.Duration) HTTPOption {
	return func(b *HTTPBackend) { b.baseBackoff = d }
}

// NewHTTPBackend creates an HTTPBackend. When OAuth client credentials are
// configured they take precedence over the API key.
func NewHTTPBackend(cfg config.BackendConfig, opts ...HTTPOption) (*HTTPBackend, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("backend base_url required")
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	limit := cfg.RateLimit
	if limit <= 0 {
		limit = defaultRateLimit
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = defaultBurst
	}
	retries := cfg.MaxRetries
	if retries < 0 {
		retries = defaultMaxRetries
	}

	client := &http.Client{Timeout: timeout}
	if cfg.OAuth.Enabled() {
		cc := clientcredentials.Config{
			ClientID:     cfg.OAuth.ClientID,
			ClientSecret: cfg.OAuth.ClientSecret.Value(),
			TokenURL:     cfg.OAuth.TokenURL,
			Scopes:       cfg.OAuth.Scopes,
		}
		ctx := context.WithValue(context.Background(), oauth2.HTTPClient, &http.Client{Timeout: 30 * time.Second})
		client = cc.Client(ctx)
		client.Timeout = timeout
	}

	b := &HTTPBackend{
		baseURL:     strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:      cfg.APIKey,
		httpClient:  client,
		limiter:     rate.NewLimiter(rate.Limit(limit), burst),
		maxRetries:  retries,
		baseBackoff: defaultBaseBackoff,
		logger:      logging.NewNop(),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.logger.Info(context.Background(), "generation backend configured",
		zap.String("base_url", b.baseURL),
		logging.Secret("api_key", cfg.APIKey),
		zap.Bool("oauth", cfg.OAuth.Enabled()),
		zap.Float64("rate_limit", limit),
		zap.Int("max_retries", retries),
	)
	return b, nil
}

type retryableError struct {
	err error
}

func (e *retryableError) Error() string { return e.err.Error() }
func (e *retryableError) Unwrap() error { return e.err }

func isRetryable(err error) bool {
	var r *retryableError
	return errors.As(err, &r)
}

// Generate opens an event stream. Connection failures, 5xx and 429
// responses are retried with exponential backoff; once the stream is open
// no retry happens.
func (b *HTTPBackend) Generate(ctx context.Context, req Request) (Stream, error) {
	if err := b.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter: %w", err)
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt <= b.maxRetries; attempt++ {
		if attempt > 0 {
			backoff := b.baseBackoff * time.Duration(1<<(attempt-1))
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		resp, err := b.do(ctx, body)
		if err == nil {
			requestsTotal.WithLabelValues("ok").Inc()
			return &httpStream{ctx: ctx, body: resp.Body, dec: json.NewDecoder(resp.Body)}, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		lastErr = err
		if !isRetryable(err) {
			requestsTotal.WithLabelValues("error").Inc()
			return nil, session.NewError(session.KindBackend, "generation request failed", err)
		}
		requestsTotal.WithLabelValues("retry").Inc()
		b.logger.Debug(ctx, "retrying generation request", zap.Int("attempt", attempt+1), zap.Error(err))
	}

	requestsTotal.WithLabelValues("error").Inc()
	return nil, session.NewError(session.KindBackend, "max retries exceeded", lastErr)
}

func (b *HTTPBackend) do(ctx context.Context, body []byte) (*http.Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+generatePath, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/x-ndjson")
	if b.apiKey.IsSet() {
		httpReq.Header.Set("Authorization", "Bearer "+b.apiKey.Value())
	}

	resp, err := b.httpClient.Do(httpReq)
	if err != nil {
		return nil, &retryableError{err: fmt.Errorf("request failed: %w", err)}
	}
	if resp.StatusCode == http.StatusOK {
		return resp, nil
	}

	msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	_ = resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, &retryableError{err: fmt.Errorf("rate limited (429)")}
	}
	if resp.StatusCode >= 500 {
		return nil, &retryableError{err: fmt.Errorf("server error (%d): %s", resp.StatusCode, strings.TrimSpace(string(msg)))}
	}
	return nil, fmt.Errorf("backend error (%d): %s", resp.StatusCode, strings.TrimSpace(string(msg)))
}

// wireEvent is one NDJSON line. Kind "error" ends the stream.
type wireEvent struct {
	session.GenerationEvent
	Error string `json:"error,omitempty"`
}

type httpStream struct {
	ctx  context.Context
	body io.ReadCloser
	dec  *json.Decoder
	done bool
}

func (s *httpStream) Next(ctx context.Context) (session.GenerationEvent, error) {
	if s.done {
		return session.GenerationEvent{}, io.EOF
	}
	if err := ctx.Err(); err != nil {
		return session.GenerationEvent{}, err
	}
	if err := s.ctx.Err(); err != nil {
		return session.GenerationEvent{}, err
	}

	var w wireEvent
	if err := s.dec.Decode(&w); err != nil {
		s.done = true
		if errors.Is(err, io.EOF) {
			return session.GenerationEvent{}, io.EOF
		}
		if cerr := s.ctx.Err(); cerr != nil {
			return session.GenerationEvent{}, cerr
		}
		return session.GenerationEvent{}, session.NewError(session.KindBackend, "reading event stream", err)
	}

	if w.Kind == "error" {
		s.done = true
		return session.GenerationEvent{}, session.NewError(session.KindBackend, "backend reported error: "+w.Error, nil)
	}

	ev := w.GenerationEvent
	ev.SequenceNumber = 0
	ev.SourceTaskID = ""
	ev.Timestamp = time.Time{}
	if err := ev.Validate(); err != nil {
		s.done = true
		return session.GenerationEvent{}, session.NewError(session.KindBackend, "malformed event", err)
	}
	return ev, nil
}

func (s *httpStream) Close() error {
	s.done = true
	return s.body.Close()
}

var _ Backend = (*HTTPBackend)(nil)
