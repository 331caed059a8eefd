// Package tasks defines the core data structures for task representation in the pipeline coordinator.
// Tasks are units of work that are created pending, claimed under a time-bounded lease by an
// external worker process, and eventually driven to a terminal state.
package tasks

import (
	"errors"
	"time"
)

// Status represents the lifecycle state of a task.
type Status string

const (
	// StatusPending indicates the task is waiting to be claimed.
	StatusPending Status = "pending"

	// StatusInProgress indicates a worker currently holds the task under a lease.
	StatusInProgress Status = "in_progress"

	// StatusCompleted indicates the task finished successfully.
	StatusCompleted Status = "completed"

	// StatusFailed indicates the task failed permanently.
	StatusFailed Status = "failed"

	// StatusCancelled indicates the task was cancelled by its owner or an operator.
	StatusCancelled Status = "cancelled"
)

// String returns the string representation of the status.
func (s Status) String() string {
	return string(s)
}

// IsTerminal returns true if the status never changes again.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Valid returns true if s is one of the five known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusInProgress, StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// CompletionStatuses are the terminal statuses a worker may report through complete.
var CompletionStatuses = []Status{StatusCompleted, StatusFailed, StatusCancelled}

// Common errors. Callers branch on these with errors.Is.
var (
	// ErrNotFound indicates the requested task (or parent task) does not exist.
	ErrNotFound = errors.New("task not found")

	// ErrNoMatchingTask indicates no pending task matched the requested types.
	ErrNoMatchingTask = errors.New("no matching pending task")

	// ErrConflict indicates the operation is invalid for the task's current
	// state: claiming a non-pending task, or completing a task that is not
	// in_progress or is owned by a different worker.
	ErrConflict = errors.New("task state conflict")

	// ErrValidation indicates malformed input rejected before any lock is taken.
	ErrValidation = errors.New("invalid input")
)

// Document is the open-shaped key-value payload carried by a task.
// The coordinator never inspects its contents.
type Document map[string]interface{}

// Clone returns a shallow copy of the document. A nil document clones to nil.
func (d Document) Clone() Document {
	if d == nil {
		return nil
	}
	out := make(Document, len(d))
	for k, v := range d {
		out[k] = v
	}
	return out
}

// Task represents a unit of work tracked by the coordinator.
//
// Invariant: Status == in_progress exactly when Owner, ClaimedAt and
// LeaseDeadline are all set. Leaving in_progress clears all three.
type Task struct {
	// ID is unique across the store's lifetime and prefixed by type
	// (e.g. "seed_dp_1"). IDs are never reused.
	ID string `json:"id"`

	// Type identifies the work category (e.g. "seed_dp", "draft_dp").
	// The set of types is open, not fixed at compile time.
	Type string `json:"type"`

	// Status is the current lifecycle state.
	Status Status `json:"status"`

	// Owner is the worker holding the claim; empty unless in_progress.
	Owner string `json:"owner,omitempty"`

	// ClaimedAt is the timestamp of the last claim; nil unless in_progress.
	ClaimedAt *time.Time `json:"claimed_at,omitempty"`

	// LeaseDeadline is ClaimedAt + lease duration; nil unless in_progress.
	// A task whose deadline has passed is reclaimable by the lease sweep.
	LeaseDeadline *time.Time `json:"lease_deadline,omitempty"`

	// AttemptCount is the number of times this task has been claimed,
	// including reclaims after lease expiry.
	AttemptCount int `json:"attempt_count"`

	// ParentID references the task this one was derived from, if any.
	ParentID string `json:"parent_id,omitempty"`

	// Data is the creator-supplied payload, opaque to the coordinator.
	Data Document `json:"data,omitempty"`

	// Result is the worker-supplied completion payload (artifact
	// references, failure reason, etc.).
	Result Document `json:"result,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Clone creates a copy of the task that shares no mutable state with the original.
func (t *Task) Clone() *Task {
	clone := *t
	if t.ClaimedAt != nil {
		claimed := *t.ClaimedAt
		clone.ClaimedAt = &claimed
	}
	if t.LeaseDeadline != nil {
		deadline := *t.LeaseDeadline
		clone.LeaseDeadline = &deadline
	}
	clone.Data = t.Data.Clone()
	clone.Result = t.Result.Clone()
	return &clone
}

// LeaseExpired reports whether the task is in_progress with a deadline
// strictly before now.
func (t *Task) LeaseExpired(now time.Time) bool {
	return t.Status == StatusInProgress && t.LeaseDeadline != nil && t.LeaseDeadline.Before(now)
}

// ClearClaim drops ownership and lease fields. Called on every transition
// out of in_progress.
func (t *Task) ClearClaim() {
	t.Owner = ""
	t.ClaimedAt = nil
	t.LeaseDeadline = nil
}
