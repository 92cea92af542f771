// Package transport issues HTTP requests to completion providers with a
// per-request deadline, caller-driven cancellation and a bounded linear
// retry schedule.
package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/aschepis/backscratcher/bluechat/llm"
	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"
)

const (
	// DefaultTimeout is the default per-request deadline for chat completions
	DefaultTimeout = 60 * time.Second
	// DefaultImageTimeout is the default per-request deadline for image generation
	DefaultImageTimeout = 30 * time.Second
	// DefaultMaxRetries is the default total number of attempts per request
	DefaultMaxRetries = 3
	// DefaultRetryBaseDelay is the default backoff unit
	DefaultRetryBaseDelay = 1 * time.Second

	// maxErrorBody bounds how much of a failed response body is read for diagnostics
	maxErrorBody = 64 << 10
)

// Doer is the subset of *http.Client used by Client.
type Doer interface {
	Do(*http.Request) (*http.Response, error)
}

// Options configures a Client.
type Options struct {
	Timeout        time.Duration
	MaxRetries     int
	RetryBaseDelay time.Duration
}

// DefaultOptions returns the chat completion defaults.
func DefaultOptions() Options {
	return Options{
		Timeout:        DefaultTimeout,
		MaxRetries:     DefaultMaxRetries,
		RetryBaseDelay: DefaultRetryBaseDelay,
	}
}

func (o Options) withDefaults() Options {
	if o.Timeout < 0 {
		o.Timeout = 0
	}
	if o.MaxRetries < 1 {
		o.MaxRetries = 1
	}
	if o.RetryBaseDelay < 0 {
		o.RetryBaseDelay = 0
	}
	return o
}

// Request describes one provider call.
type Request struct {
	Method string
	URL    string
	Header http.Header
	Body   []byte
	// Stream asks the server for an event stream.
	Stream bool
	// Timeout overrides Options.Timeout when positive.
	Timeout time.Duration
}

// RetryState describes the retry history of one Send call.
type RetryState struct {
	Attempts  int
	LastErr   error
	LastDelay time.Duration
	// TotalDelay is the sum of every backoff wait.
	TotalDelay time.Duration
}

// Response is a successful (2xx) provider response. Body must be closed;
// closing it releases the request deadline.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       io.ReadCloser
	Retry      RetryState

	ctx context.Context
}

// Context returns the request context, which carries the request deadline.
// Errors raised while reading Body should be classified against it.
func (r *Response) Context() context.Context {
	return r.ctx
}

// Close closes the response body.
func (r *Response) Close() error {
	return r.Body.Close()
}

// Bytes reads the whole body and closes it.
func (r *Response) Bytes() ([]byte, error) {
	defer r.Body.Close()
	data, err := io.ReadAll(r.Body)
	if err != nil {
		if cerr := llm.FromContext(r.ctx, "reading response body"); cerr != nil {
			return nil, cerr
		}
		return nil, llm.NewNetworkError("failed to read response body", err)
	}
	return data, nil
}

// Client sends provider requests.
type Client struct {
	opts     Options
	doer     Doer
	newTimer TimerFactory
	logger   zerolog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets the underlying HTTP client.
func WithHTTPClient(d Doer) Option {
	return func(c *Client) {
		if d != nil {
			c.doer = d
		}
	}
}

// WithTimerFactory replaces the timer used between attempts.
func WithTimerFactory(f TimerFactory) Option {
	return func(c *Client) {
		if f != nil {
			c.newTimer = f
		}
	}
}

// NewClient creates a transport client.
func NewClient(logger zerolog.Logger, opts Options, options ...Option) *Client {
	c := &Client{
		opts:     opts.withDefaults(),
		doer:     http.DefaultClient,
		newTimer: defaultTimerFactory,
		logger:   logger.With().Str("component", "transport").Logger(),
	}
	for _, o := range options {
		o(c)
	}
	return c
}

// Options returns the effective options.
func (c *Client) Options() Options {
	return c.opts
}

// Send performs req, retrying failed attempts. A 429 waits (i+1)*2*base
// before the next attempt, every other failure (i+1)*base, where i is the
// zero-based index of the failed attempt. Waiting is aborted by ctx.
//
// The returned error is always an *llm.Error: timeout when the request
// deadline fired, cancelled when ctx was cancelled, rate_limit or network
// when retries were exhausted, provider when the last failure was a
// vendor-semantic 4xx.
func (c *Client) Send(ctx context.Context, req Request) (*Response, error) {
	timeout := c.opts.Timeout
	if req.Timeout > 0 {
		timeout = req.Timeout
	}

	var (
		reqCtx context.Context
		cancel context.CancelFunc
	)
	if timeout > 0 {
		reqCtx, cancel = context.WithTimeoutCause(ctx, timeout, llm.ErrDeadline)
	} else {
		reqCtx, cancel = context.WithCancel(ctx)
	}

	state := RetryState{}
	b := &linearBackOff{base: c.opts.RetryBaseDelay}
	policy := newPolicy(reqCtx, b, c.opts.MaxRetries)

	operation := func() (*http.Response, error) {
		state.Attempts++
		resp, err := c.attempt(reqCtx, req)
		if err != nil {
			if reqCtx.Err() != nil {
				return nil, backoff.Permanent(err)
			}
			var llmErr *llm.Error
			if errors.As(err, &llmErr) && llmErr.Type == llm.ErrorTypeValidation {
				return nil, backoff.Permanent(err)
			}
			b.rateLimited = llm.IsRateLimitError(err)
			state.LastErr = err
			return nil, err
		}
		return resp, nil
	}

	notify := func(err error, d time.Duration) {
		state.LastDelay = d
		state.TotalDelay += d
		c.logger.Warn().
			Err(err).
			Str("url", req.URL).
			Int("attempt", state.Attempts).
			Int("max_attempts", c.opts.MaxRetries).
			Dur("delay", d).
			Msg("Provider request failed, retrying after delay")
	}

	resp, err := backoff.RetryNotifyWithTimerAndData[*http.Response](operation, policy, notify, c.newTimer())
	if err != nil {
		cancel()
		return nil, c.finalError(reqCtx, err, state)
	}

	return &Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       &releasingBody{ReadCloser: resp.Body, release: cancel},
		Retry:      state,
		ctx:        reqCtx,
	}, nil
}

func (c *Client) attempt(ctx context.Context, req Request) (*http.Response, error) {
	method := req.Method
	if method == "" {
		method = http.MethodPost
	}

	var body io.Reader
	if req.Body != nil {
		body = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, req.URL, body)
	if err != nil {
		return nil, llm.NewValidationError(fmt.Sprintf("invalid request: %v", err))
	}
	for k, vs := range req.Header {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}
	if req.Body != nil && httpReq.Header.Get("Content-Type") == "" {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if req.Stream {
		httpReq.Header.Set("Accept", "text/event-stream")
		httpReq.Header.Set("Cache-Control", "no-cache")
	}

	resp, err := c.doer.Do(httpReq)
	if err != nil {
		return nil, llm.NewNetworkError("request failed", err)
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp, nil
	}

	data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	_ = resp.Body.Close()
	return nil, StatusError(resp.StatusCode, resp.Header, data)
}

// finalError converts the error returned by the retry loop into the
// caller-facing taxonomy.
func (c *Client) finalError(ctx context.Context, err error, state RetryState) error {
	if cerr := llm.FromContext(ctx, "provider request"); cerr != nil {
		c.logger.Debug().Err(cerr).Int("attempts", state.Attempts).Msg("Provider request aborted")
		return cerr
	}

	var llmErr *llm.Error
	if !errors.As(err, &llmErr) {
		return llm.NewNetworkError("request failed", err)
	}
	if llmErr.Type != llm.ErrorTypeValidation {
		c.logger.Error().Err(err).Int("attempts", state.Attempts).Msg("Provider request failed after retries")
	}
	return llmErr
}

// StatusError builds the error for a non-2xx response. The message is taken
// from the body's error.message or message field when present.
func StatusError(status int, header http.Header, body []byte) *llm.Error {
	msg := ErrorMessage(status, body)
	code := gjson.GetBytes(body, "error.code").String()

	var err *llm.Error
	switch {
	case status == http.StatusTooManyRequests:
		retryAfter := parseRetryAfter(header)
		err = llm.NewRateLimitError(msg, retryAfter, nil)
	case isProviderStatus(status):
		err = llm.NewProviderError(msg, nil)
	default:
		err = llm.NewNetworkError(msg, nil)
	}
	err.StatusCode = status
	err.Code = code
	return err
}

// ErrorMessage extracts a human-readable message from an error body.
func ErrorMessage(status int, body []byte) string {
	if gjson.ValidBytes(body) {
		if m := gjson.GetBytes(body, "error.message"); m.Exists() && m.String() != "" {
			return m.String()
		}
		if m := gjson.GetBytes(body, "message"); m.Exists() && m.String() != "" {
			return m.String()
		}
		if m := gjson.GetBytes(body, "detail"); m.Exists() && m.String() != "" {
			return m.String()
		}
	}
	return fmt.Sprintf("HTTP error! status: %d", status)
}

func isProviderStatus(status int) bool {
	switch status {
	case http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden,
		http.StatusNotFound, http.StatusUnprocessableEntity:
		return true
	}
	return false
}

// parseRetryAfter reads a Retry-After header given either in seconds or as
// an HTTP date.
func parseRetryAfter(header http.Header) *time.Duration {
	v := header.Get("Retry-After")
	if v == "" {
		return nil
	}
	if seconds, err := strconv.Atoi(v); err == nil {
		d := time.Duration(seconds) * time.Second
		return &d
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return &d
		}
	}
	return nil
}

// releasingBody cancels the request context once the body is closed.
type releasingBody struct {
	io.ReadCloser
	release context.CancelFunc
	once    sync.Once
}

func (b *releasingBody) Close() error {
	err := b.ReadCloser.Close()
	b.once.Do(b.release)
	return err
}
