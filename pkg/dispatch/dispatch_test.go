package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/daviddao/tagged/pkg/backoff"
	"github.com/daviddao/tagged/pkg/model"
	"github.com/daviddao/tagged/pkg/session"
)

var fastPolicy = backoff.Policy{MaxRetries: 3, Base: time.Millisecond}

// statusServer answers each request with the next status in seq, repeating
// the last one. It counts hits.
func statusServer(t *testing.T, seq ...int) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := int(hits.Add(1))
		status := seq[len(seq)-1]
		if n <= len(seq) {
			status = seq[n-1]
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(model.Envelope[map[string]any]{
			StatusCode:  status,
			Description: http.StatusText(status),
			Data:        map[string]any{"n": n},
		})
	}))
	t.Cleanup(srv.Close)
	return srv, &hits
}

func newDispatcher(url string, opts ...Option) *Dispatcher {
	return New(Config{BaseURL: url, Policy: fastPolicy}, opts...)
}

func TestDoSuccess(t *testing.T) {
	srv, hits := statusServer(t, http.StatusOK)
	d := newDispatcher(srv.URL)

	resp, err := d.Do(context.Background(), Request{Method: http.MethodGet, Path: "/images"})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.False(t, resp.NoOp())
	assert.Contains(t, string(resp.Body), `"status_code":200`)
	assert.Equal(t, int32(1), hits.Load())
}

func TestDoRetriesServerErrorThenSucceeds(t *testing.T) {
	srv, hits := statusServer(t, http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusOK)
	d := newDispatcher(srv.URL)

	resp, err := d.Do(context.Background(), Request{Method: http.MethodPost, Path: "/user/u1/like/image/X"})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, int32(3), hits.Load())
}

func TestDoExhaustsRetriesOnServerError(t *testing.T) {
	srv, hits := statusServer(t, http.StatusServiceUnavailable)
	d := newDispatcher(srv.URL)

	_, err := d.Do(context.Background(), Request{Method: http.MethodGet, Path: "/feeds/main"})
	var de *Error
	require.ErrorAs(t, err, &de)
	assert.Equal(t, http.StatusServiceUnavailable, de.Status)
	assert.False(t, de.Transport)
	// initial attempt + 3 retries
	assert.Equal(t, int32(4), hits.Load())
}

func TestDoClientErrorIsTerminal(t *testing.T) {
	srv, hits := statusServer(t, http.StatusBadRequest)
	d := newDispatcher(srv.URL)

	_, err := d.Do(context.Background(), Request{Method: http.MethodGet, Path: "/search"})
	var de *Error
	require.ErrorAs(t, err, &de)
	assert.Equal(t, http.StatusBadRequest, de.Status)
	assert.Equal(t, "Bad Request", de.Message)
	assert.Equal(t, int32(1), hits.Load())
}

func TestDoConflictAfterRetriesIsNoOp(t *testing.T) {
	srv, hits := statusServer(t, http.StatusConflict)
	d := newDispatcher(srv.URL)

	resp, err := d.Do(context.Background(), Request{Method: http.MethodPost, Path: "/user/u1/like/image/X"})
	require.NoError(t, err)
	assert.True(t, resp.NoOp())
	assert.Empty(t, resp.Body)
	assert.Equal(t, int32(4), hits.Load())
}

func TestDoConflictThenSuccess(t *testing.T) {
	srv, hits := statusServer(t, http.StatusConflict, http.StatusOK)
	d := newDispatcher(srv.URL)

	resp, err := d.Do(context.Background(), Request{Method: http.MethodPost, Path: "/x"})
	require.NoError(t, err)
	assert.False(t, resp.NoOp())
	assert.Equal(t, int32(2), hits.Load())
}

type failingTransport struct{ calls atomic.Int32 }

func (f *failingTransport) RoundTrip(*http.Request) (*http.Response, error) {
	f.calls.Add(1)
	return nil, errors.New("dial tcp: connection refused")
}

func TestDoTransportFailureRetriesWithBackoff(t *testing.T) {
	ft := &failingTransport{}
	policy := backoff.Policy{MaxRetries: 3, Base: 10 * time.Millisecond}
	d := New(Config{BaseURL: "http://backend.invalid", Policy: policy},
		WithHTTPClient(&http.Client{Transport: ft}))

	start := time.Now()
	_, err := d.Do(context.Background(), Request{Method: http.MethodPost, Path: "/user/u1/like/image/X"})
	elapsed := time.Since(start)

	var de *Error
	require.ErrorAs(t, err, &de)
	assert.True(t, de.Transport)
	assert.Equal(t, http.StatusInternalServerError, de.Status)
	assert.Equal(t, "network error", de.Message)
	assert.Equal(t, int32(4), ft.calls.Load())
	// 10ms + 20ms + 40ms of backoff.
	assert.GreaterOrEqual(t, elapsed, 70*time.Millisecond)
}

func TestDoDevelopmentModeKeepsRawTransportError(t *testing.T) {
	ft := &failingTransport{}
	d := New(Config{BaseURL: "http://backend.invalid", Policy: fastPolicy, Development: true},
		WithHTTPClient(&http.Client{Transport: ft}))

	_, err := d.Do(context.Background(), Request{Method: http.MethodGet, Path: "/images", MaxRetries: -1})
	var de *Error
	require.ErrorAs(t, err, &de)
	assert.Contains(t, de.Message, "connection refused")
	assert.Equal(t, int32(1), ft.calls.Load())
}

func TestDoPerAttemptTimeout(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			select {
			case <-r.Context().Done():
			case <-time.After(time.Second):
			}
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)

	d := New(Config{BaseURL: srv.URL, Policy: fastPolicy, Timeout: 50 * time.Millisecond})
	resp, err := d.Do(context.Background(), Request{Method: http.MethodGet, Path: "/images"})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, int32(2), hits.Load())
}

func TestDoMaxRetriesOverride(t *testing.T) {
	srv, hits := statusServer(t, http.StatusInternalServerError)
	d := newDispatcher(srv.URL)

	_, err := d.Do(context.Background(), Request{Method: http.MethodGet, Path: "/x", MaxRetries: 1})
	require.Error(t, err)
	assert.Equal(t, int32(2), hits.Load())
}

func TestDoRejectsUnknownMethod(t *testing.T) {
	d := newDispatcher("http://backend.invalid")
	_, err := d.Do(context.Background(), Request{Method: "TRACE", Path: "/"})
	assert.ErrorIs(t, err, ErrMethodNotAllowed)
}

func TestDoSendsBodyAndBearerToken(t *testing.T) {
	var gotAuth, gotType string
	var gotBody map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotType = r.Header.Get("Content-Type")
		b, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(b, &gotBody)
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)

	mgr := session.NewManager(session.NewMemoryStorage())
	require.NoError(t, mgr.Save(model.Session{UserDocID: "u1", AccessToken: "tok-1", ExpiresAt: time.Now().Add(time.Hour)}))
	d := newDispatcher(srv.URL, WithTokenSource(mgr))

	_, err := d.Do(context.Background(), Request{
		Method: http.MethodPatch,
		Path:   "/user/u1/profile",
		Body:   map[string]string{"name": "x"},
		Auth:   true,
	})
	require.NoError(t, err)
	assert.Equal(t, "Bearer tok-1", gotAuth)
	assert.Equal(t, "application/json", gotType)
	assert.Equal(t, "x", gotBody["name"])
}

func TestDoExpiredSessionShortCircuits(t *testing.T) {
	srv, hits := statusServer(t, http.StatusOK)
	mgr := session.NewManager(session.NewMemoryStorage())
	require.NoError(t, mgr.Save(model.Session{UserDocID: "u1", AccessToken: "old", ExpiresAt: time.Now().Add(-time.Minute)}))

	var signals int
	mgr.Subscribe(func(session.Expired) { signals++ })

	d := newDispatcher(srv.URL, WithTokenSource(mgr))
	_, err := d.Do(context.Background(), Request{Method: http.MethodPost, Path: "/user/u1/like/image/X", Auth: true})

	assert.ErrorIs(t, err, ErrSessionExpired)
	assert.Equal(t, int32(0), hits.Load(), "no request may be sent with an expired session")
	assert.Equal(t, 1, signals)
	assert.False(t, mgr.LoggedIn())
}

func TestDoCanceledContext(t *testing.T) {
	srv, _ := statusServer(t, http.StatusServiceUnavailable)
	d := New(Config{BaseURL: srv.URL, Policy: backoff.Policy{MaxRetries: 3, Base: time.Hour}})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := d.Do(ctx, Request{Method: http.MethodGet, Path: "/images"})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestMetricsRecordOutcomes(t *testing.T) {
	srv, _ := statusServer(t, http.StatusConflict)
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	d := newDispatcher(srv.URL, WithMetrics(m))

	_, err := d.Do(context.Background(), Request{Method: http.MethodPost, Path: "/x"})
	require.NoError(t, err)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.requests.WithLabelValues(http.MethodPost, outcomeNoOp)))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.retries.WithLabelValues(http.MethodPost)))
}

func TestMessageFrom(t *testing.T) {
	assert.Equal(t, "already liked", messageFrom([]byte(`{"status_code":409,"description":"already liked"}`), 409))
	assert.Equal(t, "nope", messageFrom([]byte(`{"message":"nope"}`), 400))
	assert.Equal(t, "Not Found", messageFrom([]byte(`<html>`), 404))
}
