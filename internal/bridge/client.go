package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// Version is the bridge client contract version sent with every request.
const Version = "1.0.0"

const (
	defaultTimeout = 5 * time.Second
	defaultRetries = 3
	defaultBackoff = 500 * time.Millisecond
	maxBodySize    = 4 << 20 // 4MB
)

// Observer receives per-call instrumentation. Outcome is "success" or an ErrorType.
type Observer interface {
	ObserveAttempt(op string)
	ObserveResult(op, outcome string, elapsed time.Duration)
}

type nopObserver struct{}

func (nopObserver) ObserveAttempt(string)                       {}
func (nopObserver) ObserveResult(string, string, time.Duration) {}

// Client talks to the external generation backend. It never returns errors:
// every failed call ends in a Fallback carried by the returned Result.
// A Client is immutable after New and safe for concurrent use.
type Client struct {
	baseURL    string
	apiKey     string
	timeout    time.Duration
	retries    int
	backoff    time.Duration
	httpClient *http.Client
	observer   Observer
	logger     *slog.Logger
	wait       func(ctx context.Context, d time.Duration) bool
}

// Option configures a Client.
type Option func(*Client)

// WithTimeout sets the per-attempt timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithRetries sets the total number of attempts per call.
func WithRetries(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.retries = n
		}
	}
}

// WithBackoff sets the backoff step; attempt k waits k*step before the next attempt.
func WithBackoff(step time.Duration) Option {
	return func(c *Client) {
		if step >= 0 {
			c.backoff = step
		}
	}
}

// WithAPIKey sends the key as a bearer token.
func WithAPIKey(key string) Option {
	return func(c *Client) { c.apiKey = key }
}

// WithHTTPClient replaces the underlying transport session.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// WithObserver installs an instrumentation sink.
func WithObserver(o Observer) Option {
	return func(c *Client) {
		if o != nil {
			c.observer = o
		}
	}
}

// WithLogger sets the logger used for retry diagnostics.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

// New creates a Client for the backend at baseURL.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:  strings.TrimRight(baseURL, "/"),
		timeout:  defaultTimeout,
		retries:  defaultRetries,
		backoff:  defaultBackoff,
		observer: nopObserver{},
		logger:   slog.Default(),
		wait:     sleep,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.httpClient == nil {
		// Per-attempt deadlines come from the request context.
		c.httpClient = &http.Client{}
	}
	return c
}

// BaseURL returns the backend base URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Log sends a structured log payload (POST /core/log).
func (c *Client) Log(ctx context.Context, payload map[string]any) Result {
	return c.do(ctx, "log", http.MethodPost, "/core/log", payload)
}

// Feedback sends a canonical feedback body (POST /core/feedback).
func (c *Client) Feedback(ctx context.Context, payload map[string]any) Result {
	return c.do(ctx, "feedback", http.MethodPost, "/core/feedback", payload)
}

// GetContext fetches backend context entries (GET /core/context?limit=N).
// A non-positive limit defaults to 3.
func (c *Client) GetContext(ctx context.Context, limit int) Result {
	if limit <= 0 {
		limit = 3
	}
	return c.do(ctx, "get_context", http.MethodGet, "/core/context?limit="+strconv.Itoa(limit), nil)
}

// Generate requests a generation (POST /generate).
func (c *Client) Generate(ctx context.Context, req GenerateRequest) GenerateResult {
	return DecodeGenerate(c.do(ctx, "generate", http.MethodPost, "/generate", req))
}

// History fetches generation history (GET /history or /history/{topic}).
func (c *Client) History(ctx context.Context, topic string) HistoryResult {
	endpoint := "/history"
	if topic != "" {
		endpoint += "/" + url.PathEscape(topic)
	}
	return DecodeHistory(c.do(ctx, "history", http.MethodGet, endpoint, nil))
}

// HealthCheck asks the backend for its health (GET /system/health).
func (c *Client) HealthCheck(ctx context.Context) HealthResult {
	return newHealthResult(c.do(ctx, "health_check", http.MethodGet, "/system/health", nil))
}

// IsHealthy reports whether HealthCheck succeeded with status "healthy".
func (c *Client) IsHealthy(ctx context.Context) bool {
	h := c.HealthCheck(ctx)
	return !h.Failed() && h.Status == "healthy"
}

func (c *Client) do(ctx context.Context, op, method, endpoint string, payload any) Result {
	start := time.Now()

	var body []byte
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return c.fail(op, endpoint, start, ErrorUnexpected, fmt.Sprintf("encoding request: %v", err))
		}
		body = b
	}

	var last *attemptError
	for attempt := 1; attempt <= c.retries; attempt++ {
		c.observer.ObserveAttempt(op)

		raw, aerr := c.attempt(ctx, method, endpoint, body)
		if aerr == nil {
			c.observer.ObserveResult(op, "success", time.Since(start))
			return Result{Endpoint: endpoint, Body: raw}
		}
		last = aerr

		if !aerr.retry || attempt == c.retries {
			break
		}

		wait := c.backoff * time.Duration(attempt)
		c.logger.Debug("bridge: retrying", "endpoint", endpoint, "attempt", attempt, "wait", wait, "error", aerr)
		if !c.wait(ctx, wait) {
			break
		}
	}

	return c.fail(op, endpoint, start, last.kind, last.Error())
}

func (c *Client) fail(op, endpoint string, start time.Time, kind ErrorType, msg string) Result {
	c.observer.ObserveResult(op, string(kind), time.Since(start))
	c.logger.Warn("bridge: call failed", "endpoint", endpoint, "error_type", kind, "error", msg)
	return Result{Endpoint: endpoint, Fallback: newFallback(kind, msg, endpoint)}
}

// sleep waits d or until ctx ends. It reports whether the full wait elapsed.
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// attemptError is the classified failure of a single attempt.
type attemptError struct {
	kind  ErrorType
	retry bool
	err   error
}

func (e *attemptError) Error() string {
	return e.err.Error()
}

// attempt performs one request. A panic below it (a broken transport, say)
// becomes a retryable unexpected error.
func (c *Client) attempt(ctx context.Context, method, endpoint string, body []byte) (raw json.RawMessage, aerr *attemptError) {
	defer func() {
		if r := recover(); r != nil {
			raw, aerr = nil, &attemptError{kind: ErrorUnexpected, retry: true, err: fmt.Errorf("panic: %v", r)}
		}
	}()

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+endpoint, reader)
	if err != nil {
		return nil, &attemptError{kind: ErrorUnexpected, retry: true, err: fmt.Errorf("creating request: %w", err)}
	}
	c.setHeaders(req, body != nil)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, c.classifyTransport(err)
	}
	defer resp.Body.Close()

	data, readErr := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))

	if resp.StatusCode >= 400 {
		return nil, &attemptError{
			kind: classifyStatus(resp.StatusCode),
			err:  fmt.Errorf("%d %s for url: %s", resp.StatusCode, http.StatusText(resp.StatusCode), req.URL),
		}
	}
	if readErr != nil {
		return nil, c.classifyTransport(fmt.Errorf("reading response: %w", readErr))
	}
	if !isStructured(data) {
		return nil, &attemptError{kind: ErrorUnexpected, err: fmt.Errorf("invalid JSON response: %q", truncate(data, 128))}
	}
	return json.RawMessage(data), nil
}

func (c *Client) setHeaders(req *http.Request, hasBody bool) {
	if hasBody {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Bridge-Client-Version", Version)
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
}

// classifyTransport maps errors raised before a status code is available.
// Connectivity problems and deadlines are network errors; anything else is
// unexpected. Both are retried.
func (c *Client) classifyTransport(err error) *attemptError {
	inner := err
	var uerr *url.Error
	if errors.As(err, &uerr) {
		inner = uerr.Err
	}

	if errors.Is(inner, context.DeadlineExceeded) || isTimeout(inner) {
		return &attemptError{kind: ErrorNetwork, retry: true, err: fmt.Errorf("timeout after %s", c.timeout)}
	}

	var opErr *net.OpError
	var dnsErr *net.DNSError
	switch {
	case errors.As(inner, &opErr),
		errors.As(inner, &dnsErr),
		errors.Is(inner, context.Canceled),
		errors.Is(inner, io.EOF),
		errors.Is(inner, io.ErrUnexpectedEOF),
		errors.Is(inner, syscall.ECONNREFUSED),
		errors.Is(inner, syscall.ECONNRESET):
		return &attemptError{kind: ErrorNetwork, retry: true, err: err}
	}
	return &attemptError{kind: ErrorUnexpected, retry: true, err: err}
}

func isTimeout(err error) bool {
	var te interface{ Timeout() bool }
	return errors.As(err, &te) && te.Timeout()
}

func classifyStatus(code int) ErrorType {
	switch code {
	case http.StatusBadRequest:
		return ErrorSchema
	case http.StatusNotFound, http.StatusMethodNotAllowed:
		return ErrorLogic
	default:
		return ErrorUnexpected
	}
}

// isStructured reports whether data is a JSON object or array.
func isStructured(data []byte) bool {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || (trimmed[0] != '{' && trimmed[0] != '[') {
		return false
	}
	return json.Valid(trimmed)
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
