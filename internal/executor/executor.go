// Package executor implements the in-process background work unit
// registry: one cancellable unit per task_id, capacity-capped, with
// replace-and-cancel semantics on re-registration.
package executor

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"

	researcherrors "github.com/cklxx/deepresearch/internal/errors"
	"github.com/cklxx/deepresearch/internal/async"
	"github.com/cklxx/deepresearch/internal/logging"
)

// Unit is the work a background polling unit performs. It must return
// promptly once ctx is cancelled.
type Unit func(ctx context.Context)

// Policy controls what happens when Start is called at capacity.
type Policy int

const (
	// PolicyQueue blocks the caller until a slot frees (default).
	PolicyQueue Policy = iota
	// PolicyReject returns errors.KindCapacityExceeded immediately.
	PolicyReject
)

type entry struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Executor owns the set of running background units, keyed by task_id.
type Executor struct {
	mu       sync.Mutex
	units    map[string]*entry
	sem      *semaphore.Weighted
	capacity int64
	policy   Policy
	logger   logging.Logger
}

// Config configures Executor construction.
type Config struct {
	Capacity int64
	Policy   Policy
	Logger   logging.Logger
}

// New builds an Executor with the given capacity (default 3 if <= 0).
func New(cfg Config) *Executor {
	capacity := cfg.Capacity
	if capacity <= 0 {
		capacity = 3
	}
	return &Executor{
		units:    make(map[string]*entry),
		sem:      semaphore.NewWeighted(capacity),
		capacity: capacity,
		policy:   cfg.Policy,
		logger:   logging.OrNop(cfg.Logger),
	}
}

// Start begins a new unit keyed by taskID, replacing and cancelling any
// prior unit registered under the same key. The unit runs until it returns,
// its context is cancelled, or Start is called again for the same key.
//
// Under PolicyReject, Start returns errors.KindCapacityExceeded immediately
// when no slot is free. Under PolicyQueue (default) it blocks until one is,
// honoring ctx cancellation while waiting.
func (e *Executor) Start(ctx context.Context, taskID string, unit Unit) error {
	e.mu.Lock()
	if prior, ok := e.units[taskID]; ok {
		prior.cancel()
		delete(e.units, taskID)
	}
	e.mu.Unlock()

	if e.policy == PolicyReject {
		if !e.sem.TryAcquire(1) {
			return researcherrors.New(researcherrors.KindCapacityExceeded, "background executor is at capacity")
		}
	} else {
		if err := e.sem.Acquire(ctx, 1); err != nil {
			return researcherrors.Wrap(researcherrors.KindCapacityExceeded, err, "timed out waiting for a background executor slot")
		}
	}

	unitCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	ent := &entry{cancel: cancel, done: done}

	e.mu.Lock()
	e.units[taskID] = ent
	e.mu.Unlock()

	async.Go(e.logger, "executor-unit:"+taskID, func() {
		defer close(done)
		defer e.sem.Release(1)
		defer e.remove(taskID, ent)
		unit(unitCtx)
	})
	return nil
}

// remove deletes the registry entry for taskID only if it is still the same
// entry (a newer Start call may already have replaced it).
func (e *Executor) remove(taskID string, ent *entry) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if current, ok := e.units[taskID]; ok && current == ent {
		delete(e.units, taskID)
	}
}

// Cancel requests cooperative cancellation of the unit registered under
// taskID. Returns true if a unit was found and signaled.
func (e *Executor) Cancel(taskID string) bool {
	e.mu.Lock()
	ent, ok := e.units[taskID]
	e.mu.Unlock()
	if !ok {
		return false
	}
	ent.cancel()
	return true
}

// IsRunning reports whether a unit is currently registered for taskID.
func (e *Executor) IsRunning(taskID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.units[taskID]
	return ok
}

// RunningIDs returns the task_ids with a currently registered unit.
func (e *Executor) RunningIDs() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	ids := make([]string, 0, len(e.units))
	for id := range e.units {
		ids = append(ids, id)
	}
	return ids
}
