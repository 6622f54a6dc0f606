// Package dispatch performs HTTP requests to the backend under a bounded
// retry policy.
//
// Transport failures (no response) and 5xx responses are retried with
// exponential backoff, delay = base * 2^(attempt-1). Other 4xx responses
// fail immediately. A 409 is retried like a 5xx; if it is still a 409 when
// retries run out, the request counts as a no-op success: the backend is
// telling us the target is already in the requested state.
//
// Authenticated requests check the session before anything is sent. A
// missing or expired token is not a retry condition: the session is cleared,
// subscribers are notified, and ErrSessionExpired is returned.
package dispatch

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

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/daviddao/tagged/pkg/backoff"
)

const (
	defaultTimeout = 10 * time.Second
	maxBodyBytes   = 8 << 20
)

// TokenSource supplies the bearer token for authenticated requests.
// *session.Manager implements it.
type TokenSource interface {
	Preflight() (string, error)
}

// Config is the dispatcher's construction-time configuration.
type Config struct {
	BaseURL     string
	Timeout     time.Duration  // per attempt; default 10s
	Policy      backoff.Policy // zero value uses backoff.Default
	Development bool           // log raw error detail
}

// Request is one logical call. It may be sent several times.
type Request struct {
	Method string
	Path   string
	Query  url.Values
	Body   any

	// Auth sends the session's bearer token, checking it first.
	Auth bool
	// Token overrides the session token.
	Token string
	// MaxRetries: 0 uses the dispatcher default, negative disables retries.
	MaxRetries int
}

// Response is a successful result.
type Response struct {
	StatusCode int
	Body       []byte
}

// NoOp reports whether the request ended as a tolerated 409.
func (r *Response) NoOp() bool {
	return r.StatusCode == http.StatusConflict
}

// Dispatcher sends Requests. It is safe for concurrent use.
type Dispatcher struct {
	cfg     Config
	client  *http.Client
	tokens  TokenSource
	log     *zap.Logger
	metrics *Metrics
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithHTTPClient sets the underlying client.
func WithHTTPClient(c *http.Client) Option { return func(d *Dispatcher) { d.client = c } }

// WithTokenSource sets where bearer tokens come from.
func WithTokenSource(ts TokenSource) Option { return func(d *Dispatcher) { d.tokens = ts } }

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option { return func(d *Dispatcher) { d.log = l } }

// WithMetrics sets the metrics collectors.
func WithMetrics(m *Metrics) Option { return func(d *Dispatcher) { d.metrics = m } }

// New returns a Dispatcher for cfg.
func New(cfg Config, opts ...Option) *Dispatcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.Policy == (backoff.Policy{}) {
		cfg.Policy = backoff.Default
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	d := &Dispatcher{
		cfg:    cfg,
		client: &http.Client{},
		log:    zap.NewNop(),
	}
	for _, o := range opts {
		o(d)
	}
	if d.metrics == nil {
		d.metrics = NewMetrics(nil)
	}
	return d
}

// Do sends req, retrying under the policy. See the package doc for the
// retry and 409 rules.
func (d *Dispatcher) Do(ctx context.Context, req Request) (*Response, error) {
	method := strings.ToUpper(req.Method)
	switch method {
	case http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
	default:
		return nil, fmt.Errorf("%w: %q", ErrMethodNotAllowed, req.Method)
	}

	start := time.Now()
	reqID := uuid.NewString()
	log := d.log.With(
		zap.String("request_id", reqID),
		zap.String("method", method),
		zap.String("path", req.Path),
	)

	token := req.Token
	if req.Auth && token == "" {
		if d.tokens == nil {
			d.observe(method, outcomeSessionExpired, start)
			return nil, ErrSessionExpired
		}
		tok, err := d.tokens.Preflight()
		if err != nil {
			log.Warn("session preflight failed", zap.Error(err))
			d.observe(method, outcomeSessionExpired, start)
			return nil, err
		}
		token = tok
	}

	var payload []byte
	if req.Body != nil {
		var err error
		payload, err = json.Marshal(req.Body)
		if err != nil {
			return nil, fmt.Errorf("encode body: %w", err)
		}
	}

	policy := d.cfg.Policy
	switch {
	case req.MaxRetries < 0:
		policy.MaxRetries = 0
	case req.MaxRetries > 0:
		policy.MaxRetries = req.MaxRetries
	}

	var resp *Response
	err := backoff.Retry(ctx, policy, isRetryable, func(attempt int) error {
		if attempt > 0 {
			d.metrics.retries.WithLabelValues(method).Inc()
			log.Warn("retrying request", zap.Int("attempt", attempt), zap.Duration("delay", policy.Delay(attempt)))
		}
		r, err := d.attempt(ctx, method, req, payload, token, reqID)
		if err != nil {
			d.logFailure(log, attempt, err)
			return err
		}
		resp = r
		return nil
	})

	if err == nil {
		log.Debug("request succeeded", zap.Int("status", resp.StatusCode), zap.Duration("elapsed", time.Since(start)))
		d.observe(method, outcomeSuccess, start)
		return resp, nil
	}
	if ctx.Err() != nil {
		d.observe(method, outcomeCanceled, start)
		return nil, ctx.Err()
	}
	if StatusOf(err) == http.StatusConflict {
		log.Info("conflict persisted after retries; treating as no-op", zap.Duration("elapsed", time.Since(start)))
		d.observe(method, outcomeNoOp, start)
		return &Response{StatusCode: http.StatusConflict}, nil
	}
	d.observe(method, outcomeFor(err), start)
	return nil, err
}

func (d *Dispatcher) attempt(ctx context.Context, method string, req Request, payload []byte, token, reqID string) (*Response, error) {
	actx, cancel := context.WithTimeout(ctx, d.cfg.Timeout)
	defer cancel()

	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	hreq, err := http.NewRequestWithContext(actx, method, d.url(req), body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	hreq.Header.Set("Content-Type", "application/json")
	hreq.Header.Set("Accept", "application/json")
	hreq.Header.Set("X-Request-Id", reqID)
	if token != "" {
		hreq.Header.Set("Authorization", "Bearer "+token)
	}

	hresp, err := d.client.Do(hreq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &Error{Status: http.StatusInternalServerError, Message: d.transportMessage(err), Transport: true, Err: err}
	}
	defer hresp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(hresp.Body, maxBodyBytes))
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &Error{Status: http.StatusInternalServerError, Message: d.transportMessage(err), Transport: true, Err: err}
	}

	if hresp.StatusCode >= 200 && hresp.StatusCode < 300 {
		return &Response{StatusCode: hresp.StatusCode, Body: data}, nil
	}
	return nil, &Error{Status: hresp.StatusCode, Message: messageFrom(data, hresp.StatusCode)}
}

func (d *Dispatcher) url(req Request) string {
	path := req.Path
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	u := d.cfg.BaseURL + path
	if len(req.Query) > 0 {
		u += "?" + req.Query.Encode()
	}
	return u
}

func (d *Dispatcher) transportMessage(err error) string {
	if d.cfg.Development {
		return err.Error()
	}
	return "network error"
}

func (d *Dispatcher) logFailure(log *zap.Logger, attempt int, err error) {
	fields := []zap.Field{zap.Int("attempt", attempt), zap.Int("status", StatusOf(err))}
	if d.cfg.Development {
		fields = append(fields, zap.Error(err))
	}
	log.Warn("request attempt failed", fields...)
}

func (d *Dispatcher) observe(method, outcome string, start time.Time) {
	d.metrics.requests.WithLabelValues(method, outcome).Inc()
	d.metrics.duration.WithLabelValues(method).Observe(time.Since(start).Seconds())
}

func outcomeFor(err error) string {
	var de *Error
	if !errors.As(err, &de) {
		return outcomeTransportError
	}
	switch {
	case de.Transport:
		return outcomeTransportError
	case de.Status >= 500:
		return outcomeServerError
	default:
		return outcomeClientError
	}
}

// messageFrom extracts the backend's description from an error body, falling
// back to the status text.
func messageFrom(body []byte, status int) string {
	var env struct {
		Description string `json:"description"`
		Message     string `json:"message"`
	}
	if json.Unmarshal(body, &env) == nil {
		if env.Description != "" {
			return env.Description
		}
		if env.Message != "" {
			return env.Message
		}
	}
	return http.StatusText(status)
}
