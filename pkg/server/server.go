// Package server is the small HTTP surface of `tg serve`: the Google sign-in
// route, cached read-only content routes, health and metrics.
package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/daviddao/tagged/pkg/auth"
	"github.com/daviddao/tagged/pkg/backend"
	"github.com/daviddao/tagged/pkg/cache"
	"github.com/daviddao/tagged/pkg/dispatch"
	"github.com/daviddao/tagged/pkg/model"
)

// Options wires the server's dependencies. Backend is required; Google is
// required for the sign-in route, Content for the content routes.
type Options struct {
	Backend *backend.Client
	Google  auth.Exchanger
	Content *cache.Cache[any]
	Metrics http.Handler
	Log     *zap.Logger
}

type server struct {
	opts  Options
	log   *zap.Logger
	codes *codeLedger
}

// New returns the router.
func New(opts Options) http.Handler {
	s := &server{opts: opts, log: opts.Log, codes: newCodeLedger()}
	if s.log == nil {
		s.log = zap.NewNop()
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.accessLog)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	if opts.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", opts.Metrics)
	}

	if opts.Google != nil {
		r.Post("/api/auth/google", s.handleGoogle)
	}
	if opts.Content != nil {
		r.Get("/api/images", s.handleImages)
		r.Get("/api/search", s.handleSearch)
		r.Get("/api/feeds/*", s.handleFeed)
		r.Get("/api/contents/*", s.handleContent)
	}
	return r
}

func (s *server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.log.Debug("http",
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()))
	})
}

func writeEnvelope(w http.ResponseWriter, status int, description string, data any) {
	if description == "" {
		description = http.StatusText(status)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(model.Envelope[any]{StatusCode: status, Description: description, Data: data})
}

// writeError maps err to a response: backend failures keep their status,
// malformed backend data is a 502, anything else a 500. A backend status
// that is not an HTTP error code becomes a 502 carrying the backend's
// description.
func (s *server) writeError(w http.ResponseWriter, err error) {
	var de *dispatch.Error
	switch {
	case errors.As(err, &de) && !de.Transport && !httpErrorStatus(de.Status):
		s.log.Warn("backend reported a non-HTTP status", zap.Int("status", de.Status), zap.String("description", de.Message))
		writeEnvelope(w, http.StatusBadGateway, de.Message, nil)
	case errors.As(err, &de) && !de.Transport:
		writeEnvelope(w, de.Status, de.Message, nil)
	case errors.As(err, &de), errors.Is(err, backend.ErrInvalidResponse):
		writeEnvelope(w, http.StatusBadGateway, "backend unavailable", nil)
	default:
		s.log.Error("request failed", zap.Error(err))
		writeEnvelope(w, http.StatusInternalServerError, "", nil)
	}
}

func httpErrorStatus(code int) bool {
	return code >= 400 && code <= 599
}
