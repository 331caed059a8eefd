// Package coordinator composes the task store, lease sweep, and lineage
// graph into the four verbs exposed to external workers: claim, complete,
// create, and the read-only queries. Each verb maps onto exactly one store
// transaction, so no operation partially commits.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/xdotli/tbench-agentic-data-pipeline/pkg/graph"
	"github.com/xdotli/tbench-agentic-data-pipeline/pkg/lease"
	"github.com/xdotli/tbench-agentic-data-pipeline/pkg/logger"
	"github.com/xdotli/tbench-agentic-data-pipeline/pkg/store"
	"github.com/xdotli/tbench-agentic-data-pipeline/pkg/tasks"
)

// Coordinator is the facade over the shared durable task store.
// It is stateless apart from configuration; all authority lives in the
// store, so any number of Coordinator instances (in any number of
// processes) may point at the same state file.
type Coordinator struct {
	store         *store.Store
	leaseDuration time.Duration
	maxAttempts   int

	// transitions maps a task type to the child type spawned when a task
	// of that type completes successfully. Supplied by the caller; the
	// coordinator itself is domain-agnostic.
	transitions map[string]string

	now func() time.Time
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithTransitions sets the completion transition table.
func WithTransitions(t map[string]string) Option {
	return func(c *Coordinator) { c.transitions = t }
}

// WithClock overrides the time source. Used by tests to drive lease expiry.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

// New creates a coordinator over the given store.
func New(st *store.Store, leaseDuration time.Duration, maxAttempts int, opts ...Option) *Coordinator {
	c := &Coordinator{
		store:         st,
		leaseDuration: leaseDuration,
		maxAttempts:   maxAttempts,
		transitions:   map[string]string{},
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Claim sweeps expired leases and then atomically transitions the oldest
// pending task of one of the given types to in_progress for workerID, all in
// a single store transaction. Returns tasks.ErrNoMatchingTask if nothing is
// available after the sweep.
func (c *Coordinator) Claim(ctx context.Context, types []string, workerID string) (*tasks.Task, error) {
	if len(types) == 0 {
		return nil, fmt.Errorf("%w: at least one task type is required", tasks.ErrValidation)
	}
	if workerID == "" {
		return nil, fmt.Errorf("%w: worker id is required", tasks.ErrValidation)
	}

	now := c.now()
	var claimed *tasks.Task
	var noMatch error
	err := c.store.Mutate(ctx, func(doc *store.Document) error {
		swept := lease.Sweep(doc, now, c.maxAttempts)
		for _, t := range swept {
			logger.Log.Warn().
				Str("task_id", t.ID).
				Str("status", t.Status.String()).
				Int("attempt_count", t.AttemptCount).
				Msg("Lease expired, task swept")
		}

		t, err := doc.ClaimOne(types, workerID, now, c.leaseDuration)
		if err != nil {
			// A miss must not abort the transaction when the sweep
			// changed state, or those transitions would be lost until
			// some later call commits them.
			if errors.Is(err, tasks.ErrNoMatchingTask) && len(swept) > 0 {
				noMatch = err
				return nil
			}
			return err
		}
		claimed = t.Clone()
		return nil
	})
	if err != nil {
		return nil, err
	}
	if noMatch != nil {
		return nil, noMatch
	}

	logger.Log.Info().
		Str("task_id", claimed.ID).
		Str("type", claimed.Type).
		Str("worker", workerID).
		Int("attempt_count", claimed.AttemptCount).
		Msg("Task claimed")
	return claimed, nil
}

// Complete transitions a task owned by workerID to the given terminal
// status, recording the result. If the task completed successfully and the
// transition table names a child type for it, the child task is created
// pending in the same transaction, inheriting the parent's data.
func (c *Coordinator) Complete(ctx context.Context, id, workerID string, status tasks.Status, result tasks.Document) (*tasks.Task, error) {
	if workerID == "" {
		return nil, fmt.Errorf("%w: worker id is required", tasks.ErrValidation)
	}
	if !status.IsTerminal() {
		return nil, fmt.Errorf("%w: completion status must be one of %v", tasks.ErrValidation, tasks.CompletionStatuses)
	}

	now := c.now()
	var completed *tasks.Task
	var spawned *tasks.Task
	err := c.store.Mutate(ctx, func(doc *store.Document) error {
		t, err := doc.CompleteOne(id, workerID, status, result, now)
		if err != nil {
			return err
		}

		if status == tasks.StatusCompleted {
			if childType, ok := c.transitions[t.Type]; ok {
				child, err := graph.Create(doc, childType, t.ID, t.Data, now)
				if err != nil {
					return err
				}
				spawned = child.Clone()
			}
		}

		completed = t.Clone()
		return nil
	})
	if err != nil {
		return nil, err
	}

	logger.Log.Info().
		Str("task_id", completed.ID).
		Str("status", completed.Status.String()).
		Str("worker", workerID).
		Msg("Task completed")
	if spawned != nil {
		logger.Log.Info().
			Str("task_id", spawned.ID).
			Str("type", spawned.Type).
			Str("parent_id", spawned.ParentID).
			Msg("Child task spawned")
	}
	return completed, nil
}

// Create inserts a new pending task of the given type, optionally linked to
// a parent. Returns tasks.ErrNotFound without mutation if the parent does
// not exist.
func (c *Coordinator) Create(ctx context.Context, taskType, parentID string, data tasks.Document) (*tasks.Task, error) {
	now := c.now()
	var created *tasks.Task
	err := c.store.Mutate(ctx, func(doc *store.Document) error {
		t, err := graph.Create(doc, taskType, parentID, data, now)
		if err != nil {
			return err
		}
		created = t.Clone()
		return nil
	})
	if err != nil {
		return nil, err
	}

	logger.Log.Info().
		Str("task_id", created.ID).
		Str("type", created.Type).
		Str("parent_id", created.ParentID).
		Msg("Task created")
	return created, nil
}

// Cancel marks a pending or in_progress task cancelled. Cancellation is
// cooperative: any external process mid-execution is not signalled, and its
// later complete call will be rejected with a conflict.
func (c *Coordinator) Cancel(ctx context.Context, id string) (*tasks.Task, error) {
	now := c.now()
	var cancelled *tasks.Task
	err := c.store.Mutate(ctx, func(doc *store.Document) error {
		t, err := doc.CancelOne(id, now)
		if err != nil {
			return err
		}
		cancelled = t.Clone()
		return nil
	})
	if err != nil {
		return nil, err
	}

	logger.Log.Info().Str("task_id", id).Msg("Task cancelled")
	return cancelled, nil
}

// Sweep runs the lease sweep as its own transaction and returns the tasks
// that changed state. Used by the background watch tick; claim calls run
// their own sweep inline.
func (c *Coordinator) Sweep(ctx context.Context) ([]*tasks.Task, error) {
	now := c.now()
	var swept []*tasks.Task
	err := c.store.Mutate(ctx, func(doc *store.Document) error {
		for _, t := range lease.Sweep(doc, now, c.maxAttempts) {
			swept = append(swept, t.Clone())
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return swept, nil
}

// Status returns per-type, per-status task counts from a consistent snapshot.
func (c *Coordinator) Status(ctx context.Context) (map[string]map[string]int, error) {
	doc, err := c.store.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	return graph.StatusCounts(doc), nil
}

// List returns tasks matching the optional type and status filters.
func (c *Coordinator) List(ctx context.Context, taskType string, status tasks.Status) ([]*tasks.Task, error) {
	if status != "" && !status.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", tasks.ErrValidation, status)
	}
	doc, err := c.store.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	return graph.ByTypeStatus(doc, taskType, status), nil
}

// Info returns a single task by id.
func (c *Coordinator) Info(ctx context.Context, id string) (*tasks.Task, error) {
	doc, err := c.store.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	t, ok := doc.Tasks[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", tasks.ErrNotFound, id)
	}
	return t.Clone(), nil
}

// Children returns the tasks derived from id, in creation order.
func (c *Coordinator) Children(ctx context.Context, id string) ([]*tasks.Task, error) {
	doc, err := c.store.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	if _, ok := doc.Tasks[id]; !ok {
		return nil, fmt.Errorf("%w: %s", tasks.ErrNotFound, id)
	}
	return graph.ChildrenOf(doc, id), nil
}

// Stuck reports tasks whose lease has already expired but which have not yet
// been swept. Diagnostic only; performs no mutation.
func (c *Coordinator) Stuck(ctx context.Context) ([]*tasks.Task, error) {
	doc, err := c.store.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	return lease.Expired(doc, c.now()), nil
}
