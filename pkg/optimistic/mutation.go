package optimistic

import (
	"context"
	"sync"

	"github.com/daviddao/tagged/pkg/model"
)

// Mutation is one optimistic toggle of one target.
//
// Target, Snapshot and Optimistic are fixed when the mutation starts. The
// phase moves optimistic -> reconciling -> settled, or optimistic ->
// rolled_back, and Done is closed once it is terminal.
type Mutation struct {
	target     model.MutationTarget
	snapshot   model.LikeState
	optimistic model.LikeState

	mu         sync.Mutex
	phase      model.Phase
	final      model.LikeState
	stale      bool
	err        error
	rolledBack bool

	done chan struct{}
}

func newMutation(target model.MutationTarget, current model.LikeState) *Mutation {
	return &Mutation{
		target:     target,
		snapshot:   current,
		optimistic: current.Flip(),
		phase:      model.PhaseOptimistic,
		done:       make(chan struct{}),
	}
}

// Target returns what the mutation applies to.
func (m *Mutation) Target() model.MutationTarget { return m.target }

// Snapshot returns the state captured before the flip.
func (m *Mutation) Snapshot() model.LikeState { return m.snapshot }

// Optimistic returns the speculative state written at trigger time.
func (m *Mutation) Optimistic() model.LikeState { return m.optimistic }

// Phase returns the current phase.
func (m *Mutation) Phase() model.Phase {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.phase
}

// Stale reports whether the mutation settled on its optimistic value
// because the reconciliation read failed.
func (m *Mutation) Stale() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stale
}

// Done is closed when the mutation reaches a terminal phase.
func (m *Mutation) Done() <-chan struct{} { return m.done }

// Wait blocks until the mutation is terminal and returns the resulting
// state. A rolled back mutation returns its snapshot and the failure.
func (m *Mutation) Wait(ctx context.Context) (model.LikeState, error) {
	select {
	case <-m.done:
	case <-ctx.Done():
		return model.LikeState{}, ctx.Err()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.final, m.err
}

func (m *Mutation) setPhase(p model.Phase) {
	m.mu.Lock()
	m.phase = p
	m.mu.Unlock()
}

func (m *Mutation) record() *model.MutationRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := &model.MutationRecord{
		Target: m.target,
		Phase:  m.phase,
		Before: m.snapshot,
		After:  m.final,
	}
	if m.err != nil {
		r.Error = m.err.Error()
	}
	return r
}
