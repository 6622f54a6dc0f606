package server

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/daviddao/tagged/pkg/model"
)

const contentCategory = "content"

func (s *server) cached(w http.ResponseWriter, r *http.Request, key model.CacheKey, load func(context.Context) (any, error)) {
	v, err := s.opts.Content.Fetch(r.Context(), key, load)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeEnvelope(w, http.StatusOK, "", v)
}

func (s *server) handleImages(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	next := r.URL.Query().Get("next_id")
	key := model.CacheKey{Category: contentCategory, Resource: "images", ID: strconv.Itoa(limit) + "|" + next}
	s.cached(w, r, key, func(ctx context.Context) (any, error) {
		return s.opts.Backend.Images(ctx, limit, next)
	})
}

func (s *server) handleSearch(w http.ResponseWriter, r *http.Request) {
	q := strings.TrimSpace(r.URL.Query().Get("query"))
	if q == "" {
		writeEnvelope(w, http.StatusBadRequest, "query is required", nil)
		return
	}
	key := model.CacheKey{Category: contentCategory, Resource: "search", ID: q}
	s.cached(w, r, key, func(ctx context.Context) (any, error) {
		return s.opts.Backend.Search(ctx, q)
	})
}

func (s *server) handleFeed(w http.ResponseWriter, r *http.Request) {
	path := chi.URLParam(r, "*")
	key := model.CacheKey{Category: contentCategory, Resource: model.ResourceFeed, ID: path}
	s.cached(w, r, key, func(ctx context.Context) (any, error) {
		return s.opts.Backend.Feed(ctx, path)
	})
}

func (s *server) handleContent(w http.ResponseWriter, r *http.Request) {
	path := chi.URLParam(r, "*")
	key := model.CacheKey{Category: contentCategory, Resource: model.ResourceContent, ID: path}
	s.cached(w, r, key, func(ctx context.Context) (any, error) {
		return s.opts.Backend.Content(ctx, path)
	})
}
