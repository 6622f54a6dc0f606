// Package optimistic applies like/unlike toggles to the local cache before
// the backend confirms them, then reconciles or rolls back.
//
// A toggle writes the flipped state to the cache synchronously and sends
// the mutation in the background. If the mutation fails, the cache is
// restored to the snapshot taken at trigger time and a notice is raised. If
// it succeeds, the authoritative state is read back and merged; when that
// read fails the optimistic value stays in the cache, marked stale.
//
// Only one mutation per target may be in flight. A second trigger while
// one is pending is dropped, not queued.
package optimistic

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/daviddao/tagged/pkg/cache"
	"github.com/daviddao/tagged/pkg/dispatch"
	"github.com/daviddao/tagged/pkg/model"
	"github.com/daviddao/tagged/pkg/session"
)

// CacheCategory is the cache key category for like state.
const CacheCategory = "like"

var (
	// ErrLoginRequired is returned when a toggle is attempted without a
	// signed-in actor. No request is sent.
	ErrLoginRequired = errors.New("login required")
	// ErrInFlight is returned when the target already has a pending mutation.
	ErrInFlight = errors.New("mutation already in flight")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("coordinator closed")
)

// Mutator sends like mutations and reads like state.
type Mutator interface {
	Mutate(ctx context.Context, target model.MutationTarget, liked bool) error
	Read(ctx context.Context, target model.MutationTarget) (model.LikeReport, error)
}

// Notifier receives user-facing notices.
type Notifier interface {
	Notify(model.Notice)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(model.Notice)

func (f NotifierFunc) Notify(n model.Notice) { f(n) }

// Recorder persists terminal mutations. *store.Store implements it.
type Recorder interface {
	InsertMutation(r *model.MutationRecord) (int64, error)
}

// Authenticator reports whether a user is signed in. *session.Manager
// implements it.
type Authenticator interface {
	LoggedIn() bool
}

// Coordinator runs optimistic toggles. It is safe for concurrent use.
type Coordinator struct {
	mutator  Mutator
	cache    *cache.Cache[model.LikeState]
	auth     Authenticator
	notifier Notifier
	recorder Recorder
	log      *zap.Logger
	now      func() time.Time

	mu      sync.Mutex
	pending map[model.MutationTarget]*Mutation
	closed  bool
	wg      sync.WaitGroup
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithAuthenticator gates toggles on a signed-in session.
func WithAuthenticator(a Authenticator) Option { return func(c *Coordinator) { c.auth = a } }

// WithNotifier sets where notices go.
func WithNotifier(n Notifier) Option { return func(c *Coordinator) { c.notifier = n } }

// WithRecorder persists every terminal mutation.
func WithRecorder(r Recorder) Option { return func(c *Coordinator) { c.recorder = r } }

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option { return func(c *Coordinator) { c.log = l } }

// New returns a Coordinator writing like state into lc.
func New(m Mutator, lc *cache.Cache[model.LikeState], opts ...Option) *Coordinator {
	c := &Coordinator{
		mutator:  m,
		cache:    lc,
		notifier: NotifierFunc(func(model.Notice) {}),
		log:      zap.NewNop(),
		now:      time.Now,
		pending:  make(map[model.MutationTarget]*Mutation),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Toggle flips the like state of target starting from current.
//
// The flipped state is in the cache when Toggle returns. The mutation runs
// in the background and is not cancelled with ctx; use the returned
// Mutation to wait for it.
func (c *Coordinator) Toggle(ctx context.Context, target model.MutationTarget, current model.LikeState) (*Mutation, error) {
	if target.Actor == "" || (c.auth != nil && !c.auth.LoggedIn()) {
		c.notifier.Notify(model.Notice{Level: model.NoticeWarning, Message: "Please log in to like items."})
		return nil, ErrLoginRequired
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	if _, ok := c.pending[target]; ok {
		c.mu.Unlock()
		c.log.Debug("toggle dropped: mutation pending", zap.String("target", target.Key()))
		return nil, ErrInFlight
	}
	m := newMutation(target, current)
	c.pending[target] = m
	c.cache.Set(target.CacheKey(CacheCategory), m.optimistic)
	c.wg.Add(1)
	c.mu.Unlock()

	c.log.Debug("optimistic write",
		zap.String("target", target.Key()),
		zap.Bool("liked", m.optimistic.IsLiked),
		zap.Int("count", m.optimistic.Count))

	go c.run(context.WithoutCancel(ctx), m)
	return m, nil
}

func (c *Coordinator) run(ctx context.Context, m *Mutation) {
	defer c.wg.Done()
	key := m.target.CacheKey(CacheCategory)
	log := c.log.With(zap.String("target", m.target.Key()))

	if err := c.mutator.Mutate(ctx, m.target, m.optimistic.IsLiked); err != nil {
		c.rollback(m)
		log.Warn("mutation failed; rolled back", zap.Int("status", dispatch.StatusOf(err)), zap.Error(err))
		c.resolve(m, model.PhaseRolledBack, m.snapshot, false, err)
		c.notifier.Notify(failureNotice(err))
		return
	}

	m.setPhase(model.PhaseReconciling)
	final, err := c.cache.Refetch(ctx, key, func(rctx context.Context) (model.LikeState, error) {
		rep, err := c.mutator.Read(rctx, m.target)
		if err != nil {
			return model.LikeState{}, err
		}
		return rep.Merge(m.optimistic), nil
	})
	stale := false
	if err != nil {
		log.Warn("reconciliation read failed; keeping optimistic value", zap.Error(err))
		c.cache.Invalidate(key)
		final, stale = m.optimistic, true
	}
	c.resolve(m, model.PhaseSettled, final, stale, nil)

	msg := "Removed from your likes."
	if final.IsLiked {
		msg = "Added to your likes."
	}
	c.notifier.Notify(model.Notice{Level: model.NoticeSuccess, Message: msg})
}

// rollback restores the snapshot. Repeated calls leave the cache as the
// first one did.
func (c *Coordinator) rollback(m *Mutation) model.LikeState {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.rolledBack {
		c.cache.Set(m.target.CacheKey(CacheCategory), m.snapshot)
		m.rolledBack = true
	}
	return m.snapshot
}

// resolve moves m to a terminal phase, releases the target and wakes
// waiters.
func (c *Coordinator) resolve(m *Mutation, phase model.Phase, final model.LikeState, stale bool, err error) {
	m.mu.Lock()
	m.phase = phase
	m.final = final
	m.stale = stale
	m.err = err
	m.mu.Unlock()

	if c.recorder != nil {
		rec := m.record()
		rec.CreatedAt = c.now().UTC()
		if _, rerr := c.recorder.InsertMutation(rec); rerr != nil {
			c.log.Error("record mutation", zap.String("target", m.target.Key()), zap.Error(rerr))
		}
	}

	c.mu.Lock()
	delete(c.pending, m.target)
	c.mu.Unlock()
	close(m.done)
}

// State returns the cached like state of target, which may be optimistic.
func (c *Coordinator) State(target model.MutationTarget) (model.LikeState, bool) {
	return c.cache.Get(target.CacheKey(CacheCategory))
}

// Pending reports whether target has a mutation in flight.
func (c *Coordinator) Pending(target model.MutationTarget) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.pending[target]
	return ok
}

// Status returns the like state of target, reading it from the backend
// unless the cached value is fresh. While a mutation is pending the
// optimistic value is returned without a read.
func (c *Coordinator) Status(ctx context.Context, target model.MutationTarget) (model.LikeState, error) {
	key := target.CacheKey(CacheCategory)
	if c.Pending(target) {
		if v, ok := c.cache.Get(key); ok {
			return v, nil
		}
	}
	return c.cache.Fetch(ctx, key, func(rctx context.Context) (model.LikeState, error) {
		rep, err := c.mutator.Read(rctx, target)
		if err != nil {
			return model.LikeState{}, err
		}
		base, _ := c.cache.Get(key)
		return rep.Merge(base), nil
	})
}

// Close stops accepting toggles and waits for pending mutations to finish.
func (c *Coordinator) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.wg.Wait()
}

// failureNotice maps a mutation error to a user-facing notice. Auth
// problems are warnings; everything else is an error.
func failureNotice(err error) model.Notice {
	switch {
	case errors.Is(err, session.ErrSessionExpired):
		return model.Notice{Level: model.NoticeWarning, Message: "Your session has expired. Please log in again."}
	case dispatch.StatusOf(err) == http.StatusUnauthorized, dispatch.StatusOf(err) == http.StatusForbidden:
		return model.Notice{Level: model.NoticeWarning, Message: "Please log in to like items."}
	default:
		return model.Notice{Level: model.NoticeError, Message: "Could not update your like. Please try again."}
	}
}
