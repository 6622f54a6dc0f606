// Package backend is a typed client for the Decoded/Tagged REST API.
//
// Every call goes through a dispatch.Dispatcher, so retries, the 409 rule
// and the session preflight apply uniformly. Responses are decoded from the
// {status_code, description, data} envelope and validated before they are
// returned; a body that does not match the expected shape is an
// ErrInvalidResponse, never a half-filled struct.
package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/daviddao/tagged/pkg/dispatch"
	"github.com/daviddao/tagged/pkg/model"
)

// ErrInvalidResponse is returned when a backend response does not decode
// into, or does not validate as, the expected type.
var ErrInvalidResponse = errors.New("invalid backend response")

// Doer sends dispatcher requests. *dispatch.Dispatcher implements it.
type Doer interface {
	Do(ctx context.Context, req dispatch.Request) (*dispatch.Response, error)
}

const defaultConcurrency = 4

// Client is the API client.
type Client struct {
	d           Doer
	log         *zap.Logger
	concurrency int
}

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option { return func(c *Client) { c.log = l } }

// WithConcurrency bounds fan-out calls such as LikeStatuses.
func WithConcurrency(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.concurrency = n
		}
	}
}

// New returns a Client sending through d.
func New(d Doer, opts ...Option) *Client {
	c := &Client{d: d, log: zap.NewNop(), concurrency: defaultConcurrency}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Images returns one page of the image gallery. An empty next starts from
// the beginning.
func (c *Client) Images(ctx context.Context, limit int, next string) (*ImagePage, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if next != "" {
		q.Set("next_id", next)
	}
	return get[ImagePage](ctx, c, "/images", q)
}

// Search runs a free-text search.
func (c *Client) Search(ctx context.Context, query string) (*SearchResult, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, fmt.Errorf("search: empty query")
	}
	return get[SearchResult](ctx, c, "/search", url.Values{"query": {query}})
}

// Feed returns the feed at /feeds/<path>.
func (c *Client) Feed(ctx context.Context, path string) (*Feed, error) {
	return get[Feed](ctx, c, "/feeds/"+escapePath(path), nil)
}

// Content returns the document at /contents/<path>.
func (c *Client) Content(ctx context.Context, path string) (*Document, error) {
	return get[Document](ctx, c, "/contents/"+escapePath(path), nil)
}

// Login exchanges a provider id token for a backend session.
func (c *Client) Login(ctx context.Context, req LoginRequest) (*LoginResult, error) {
	if req.Token == "" {
		return nil, fmt.Errorf("login: empty token")
	}
	if req.Provider == "" {
		req.Provider = "google"
	}
	resp, err := c.d.Do(ctx, dispatch.Request{Method: http.MethodPost, Path: "/auth/login", Body: req})
	if err != nil {
		return nil, err
	}
	return decode[LoginResult](resp)
}

func get[T any](ctx context.Context, c *Client, path string, q url.Values) (*T, error) {
	resp, err := c.d.Do(ctx, dispatch.Request{Method: http.MethodGet, Path: path, Query: q})
	if err != nil {
		return nil, err
	}
	return decode[T](resp)
}

// decode unwraps the envelope and validates the data. An envelope whose
// status_code reports a failure is turned into a *dispatch.Error.
func decode[T any](resp *dispatch.Response) (*T, error) {
	var env model.Envelope[json.RawMessage]
	if err := json.Unmarshal(resp.Body, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}
	if err := envelopeError(env); err != nil {
		return nil, err
	}
	if len(env.Data) == 0 || string(env.Data) == "null" {
		return nil, fmt.Errorf("%w: missing data", ErrInvalidResponse)
	}
	out := new(T)
	if err := json.Unmarshal(env.Data, out); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}
	if v, ok := any(out).(validator); ok {
		if err := v.Validate(); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidResponse, err)
		}
	}
	return out, nil
}

func envelopeError(env model.Envelope[json.RawMessage]) error {
	if env.StatusCode == 0 || (env.StatusCode >= 200 && env.StatusCode < 300) {
		return nil
	}
	msg := env.Description
	if msg == "" {
		msg = http.StatusText(env.StatusCode)
	}
	return &dispatch.Error{Status: env.StatusCode, Message: msg}
}

// escapePath escapes each segment of a slash-separated path.
func escapePath(p string) string {
	parts := strings.Split(strings.Trim(p, "/"), "/")
	for i, s := range parts {
		parts[i] = url.PathEscape(s)
	}
	return strings.Join(parts, "/")
}
