package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/daviddao/tagged/pkg/backend"
	"github.com/daviddao/tagged/pkg/cache"
	"github.com/daviddao/tagged/pkg/config"
	"github.com/daviddao/tagged/pkg/dispatch"
	"github.com/daviddao/tagged/pkg/model"
	"github.com/daviddao/tagged/pkg/optimistic"
	"github.com/daviddao/tagged/pkg/session"
	"github.com/daviddao/tagged/pkg/store"
)

// app holds shared state for all CLI subcommands.
type app struct {
	cfg      config.Config
	log      *zap.Logger
	store    *store.Store
	session  *session.Manager
	registry *prometheus.Registry
	client   *backend.Client
	coord    *optimistic.Coordinator

	out     io.Writer
	errOut  io.Writer
	jsonOut bool

	unsubscribe func()
}

// newApp opens the database and wires the client stack. The store's
// directory is created if missing.
func newApp(cfg config.Config, log *zap.Logger, out, errOut io.Writer) (*app, error) {
	if dir := filepath.Dir(cfg.Store.Path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("cannot create %s: %w", dir, err)
		}
	}
	s, err := store.New(cfg.Store.Path)
	if err != nil {
		return nil, fmt.Errorf("cannot open database %q: %w", cfg.Store.Path, err)
	}

	a := &app{
		cfg:      cfg,
		log:      log,
		store:    s,
		session:  session.NewManager(s),
		registry: prometheus.NewRegistry(),
		out:      out,
		errOut:   errOut,
	}
	a.unsubscribe = a.session.Subscribe(func(e session.Expired) {
		log.Info("session cleared", zap.String("user_doc_id", e.UserDocID), zap.String("reason", e.Reason))
		fmt.Fprintln(a.errOut, "tg: your session has expired; run 'tg login' to sign in again")
	})

	d := dispatch.New(dispatch.Config{
		BaseURL:     cfg.API.BaseURL,
		Timeout:     cfg.API.Timeout,
		Policy:      cfg.Policy(),
		Development: cfg.Development(),
	},
		dispatch.WithTokenSource(a.session),
		dispatch.WithLogger(log.Named("dispatch")),
		dispatch.WithMetrics(dispatch.NewMetrics(a.registry)),
	)
	a.client = backend.New(d, backend.WithLogger(log.Named("backend")))
	a.coord = optimistic.New(
		backend.LikeMutator{Client: a.client},
		cache.New[model.LikeState](cfg.LikeCache()),
		optimistic.WithAuthenticator(a.session),
		optimistic.WithNotifier(optimistic.NotifierFunc(a.notify)),
		optimistic.WithRecorder(s),
		optimistic.WithLogger(log.Named("optimistic")),
	)
	return a, nil
}

// Close waits for pending mutations and releases the database.
func (a *app) Close() {
	a.coord.Close()
	if a.unsubscribe != nil {
		a.unsubscribe()
	}
	a.store.Close()
}

// actor returns the signed-in user's doc id, or "" when signed out.
func (a *app) actor() string { return a.session.UserDocID() }

// notify prints a notice to stderr so it never mixes with command output.
func (a *app) notify(n model.Notice) {
	fmt.Fprintf(a.errOut, "[%s] %s\n", n.Level, n.Message)
}

// printJSON writes v to stdout as indented JSON.
func (a *app) printJSON(v any) {
	enc := json.NewEncoder(a.out)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}
