package resiliency

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"math/big"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"
)

// ErrCircuitOpen is returned while the breaker rejects calls.
var ErrCircuitOpen = errors.New("circuit breaker open")

var transientStatus = map[int]bool{
	http.StatusTooManyRequests:     true,
	http.StatusInternalServerError: true,
	http.StatusBadGateway:          true,
	http.StatusServiceUnavailable:  true,
	http.StatusGatewayTimeout:      true,
}

// IsTransientStatus reports whether an HTTP status is worth retrying.
func IsTransientStatus(code int) bool {
	return transientStatus[code]
}

// Options tunes a Client. Zero values fall back to DefaultOptions.
type Options struct {
	Timeout          time.Duration // per-attempt response budget
	ConnectTimeout   time.Duration
	MaxAttempts      int
	BackoffFactor    time.Duration
	MaxBackoff       time.Duration
	BreakerThreshold int
	BreakerReset     time.Duration
	Transport        http.RoundTripper
	Logger           *slog.Logger
}

// DefaultOptions returns the production retry policy.
func DefaultOptions() Options {
	return Options{
		Timeout:          30 * time.Second,
		ConnectTimeout:   5 * time.Second,
		MaxAttempts:      5,
		BackoffFactor:    500 * time.Millisecond,
		MaxBackoff:       30 * time.Second,
		BreakerThreshold: 5,
		BreakerReset:     30 * time.Second,
	}
}

// Request describes one logical call. It may be sent several times.
type Request struct {
	Method string
	URL    string
	Query  url.Values
	Header http.Header
	Body   []byte
	// Idempotent allows POST/PATCH to be retried.
	Idempotent bool
	// Timeout overrides Options.Timeout for this call when non-zero.
	Timeout time.Duration
}

// Response is a fully read HTTP response.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	Attempts   int
}

// FetchError is returned once a request cannot be completed.
type FetchError struct {
	Method     string
	URL        string
	StatusCode int // 0 when no response was received
	Retryable  bool
	Attempts   int
	Body       []byte
	Err        error
}

func (e *FetchError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s %s: status %d after %d attempt(s)", e.Method, e.URL, e.StatusCode, e.Attempts)
	}
	return fmt.Sprintf("%s %s: %v after %d attempt(s)", e.Method, e.URL, e.Err, e.Attempts)
}

func (e *FetchError) Unwrap() error { return e.Err }

// Client wraps http.Client with resilience patterns:
// - Exponential Backoff & Jitter
// - Retry-After handling
// - Circuit Breaking
type Client struct {
	client  *http.Client
	opts    Options
	breaker *CircuitBreaker
	logger  *slog.Logger
	sleep   func(ctx context.Context, d time.Duration) error
}

// NewClient builds a Client with a pooled transport.
func NewClient(opts Options) *Client {
	def := DefaultOptions()
	if opts.Timeout <= 0 {
		opts.Timeout = def.Timeout
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = def.ConnectTimeout
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = def.MaxAttempts
	}
	if opts.BackoffFactor <= 0 {
		opts.BackoffFactor = def.BackoffFactor
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = def.MaxBackoff
	}
	if opts.BreakerThreshold <= 0 {
		opts.BreakerThreshold = def.BreakerThreshold
	}
	if opts.BreakerReset <= 0 {
		opts.BreakerReset = def.BreakerReset
	}

	transport := opts.Transport
	if transport == nil {
		transport = &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			DialContext: (&net.Dialer{
				Timeout:   opts.ConnectTimeout,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			MaxIdleConns:          32,
			MaxIdleConnsPerHost:   8,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   opts.ConnectTimeout,
			ExpectContinueTimeout: time.Second,
		}
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default().With("component", "resiliency")
	}

	return &Client{
		client:  &http.Client{Transport: transport},
		opts:    opts,
		breaker: NewCircuitBreaker("upstream", opts.BreakerThreshold, opts.BreakerReset),
		logger:  logger,
		sleep:   sleepCtx,
	}
}

// Fetch executes req, retrying transient failures per the client policy.
func (c *Client) Fetch(ctx context.Context, req Request) (*Response, error) {
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	target, err := buildURL(req.URL, req.Query)
	if err != nil {
		return nil, &FetchError{Method: method, URL: req.URL, Err: err}
	}

	if !c.breaker.Allow() {
		return nil, &FetchError{Method: method, URL: target, Retryable: true, Err: ErrCircuitOpen}
	}

	retryable := isRetryableMethod(method) || req.Idempotent
	attempts := c.opts.MaxAttempts
	if !retryable {
		attempts = 1
	}

	var last *attemptError
	for attempt := 1; attempt <= attempts; attempt++ {
		resp, fe := c.do(ctx, method, target, req)
		if fe == nil {
			c.breaker.Success()
			resp.Attempts = attempt
			return resp, nil
		}
		fe.Attempts = attempt
		last = fe

		if !fe.Retryable || ctx.Err() != nil {
			break
		}
		if attempt == attempts {
			break
		}

		delay := c.backoff(attempt)
		if fe.retryAfter > 0 {
			delay = fe.retryAfter
		}
		c.logger.WarnContext(ctx, "retrying upstream call",
			"method", method,
			"url", target,
			"attempt", attempt,
			"status", fe.StatusCode,
			"delay", delay,
		)
		if err := c.sleep(ctx, delay); err != nil {
			last.Err = err
			last.Retryable = false
			break
		}
	}

	if last.Retryable {
		c.breaker.Failure()
	}
	return nil, last.FetchError
}

type attemptError struct {
	*FetchError
	retryAfter time.Duration
}

func (c *Client) do(ctx context.Context, method, target string, req Request) (*Response, *attemptError) {
	timeout := c.opts.Timeout
	if req.Timeout > 0 {
		timeout = req.Timeout
	}
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var body io.Reader
	if req.Body != nil {
		body = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(attemptCtx, method, target, body)
	if err != nil {
		return nil, &attemptError{FetchError: &FetchError{Method: method, URL: target, Err: err}}
	}
	for k, vs := range req.Header {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		// Caller cancellation is final; attempt timeouts and network errors are not.
		return nil, &attemptError{FetchError: &FetchError{
			Method:    method,
			URL:       target,
			Retryable: ctx.Err() == nil,
			Err:       err,
		}}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &attemptError{FetchError: &FetchError{
			Method:     method,
			URL:        target,
			StatusCode: resp.StatusCode,
			Retryable:  ctx.Err() == nil,
			Err:        fmt.Errorf("read body: %w", err),
		}}
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return &Response{StatusCode: resp.StatusCode, Header: resp.Header, Body: data}, nil
	}

	return nil, &attemptError{
		FetchError: &FetchError{
			Method:     method,
			URL:        target,
			StatusCode: resp.StatusCode,
			Retryable:  IsTransientStatus(resp.StatusCode),
			Body:       data,
			Err:        fmt.Errorf("unexpected status %d", resp.StatusCode),
		},
		retryAfter: parseRetryAfter(resp.Header.Get("Retry-After"), time.Now()),
	}
}

// backoff computes factor * 2^(attempt-1), capped, plus up to 10% jitter.
func (c *Client) backoff(attempt int) time.Duration {
	d := time.Duration(float64(c.opts.BackoffFactor) * math.Pow(2, float64(attempt-1)))
	if d > c.opts.MaxBackoff || d <= 0 {
		d = c.opts.MaxBackoff
	}
	if span := int64(d / 10); span > 0 {
		if n, err := rand.Int(rand.Reader, big.NewInt(span)); err == nil {
			d += time.Duration(n.Int64())
		}
	}
	return d
}

func parseRetryAfter(v string, now time.Time) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := t.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}

func isRetryableMethod(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPatch:
		return false
	default:
		return true
	}
}

func buildURL(raw string, q url.Values) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}
	if len(q) > 0 {
		merged := u.Query()
		for k, vs := range q {
			for _, v := range vs {
				merged.Add(k, v)
			}
		}
		u.RawQuery = merged.Encode()
	}
	return u.String(), nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// CircuitBreaker implements a simple state machine for failure detection.
type CircuitBreaker struct {
	mu           sync.Mutex
	name         string
	failureCount int
	threshold    int
	lastFailure  time.Time
	resetTimeout time.Duration
	state        string // "CLOSED", "OPEN", "HALF_OPEN"
	now          func() time.Time
}

func NewCircuitBreaker(name string, threshold int, timeout time.Duration) *CircuitBreaker {
	return &CircuitBreaker{
		name:         name,
		threshold:    threshold,
		resetTimeout: timeout,
		state:        "CLOSED",
		now:          time.Now,
	}
}

func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == "OPEN" {
		if cb.now().Sub(cb.lastFailure) > cb.resetTimeout {
			cb.state = "HALF_OPEN"
			return true
		}
		return false
	}
	return true
}

func (cb *CircuitBreaker) Success() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = "CLOSED"
	cb.failureCount = 0
}

func (cb *CircuitBreaker) Failure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failureCount++
	cb.lastFailure = cb.now()
	if cb.state == "HALF_OPEN" || cb.failureCount >= cb.threshold {
		cb.state = "OPEN"
	}
}

// State returns the breaker state name.
func (cb *CircuitBreaker) State() string {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}
