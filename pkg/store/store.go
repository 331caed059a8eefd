// Package store provides the durable, atomically-mutated record of all tasks.
// It supports multi-process coordination with:
//   - An OS advisory file lock (released by the kernel on process death)
//   - Write-to-temp-file plus atomic rename, so readers never see partial writes
//   - Bounded lock acquisition with fixed backoff
//   - Fatal-fast handling of a corrupt state document
//
// The Store type is the only entry point; every mutation runs as one
// lock-acquire, load, modify, persist, lock-release cycle.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/gofrs/flock"
	"github.com/xdotli/tbench-agentic-data-pipeline/pkg/logger"
	"github.com/xdotli/tbench-agentic-data-pipeline/pkg/tasks"
)

// SchemaVersion is the on-disk document schema. Bump when the layout changes.
const SchemaVersion = 1

// Store errors.
var (
	// ErrStoreUnavailable indicates the store lock could not be acquired
	// within the bounded retry budget. Transient; callers should retry.
	ErrStoreUnavailable = errors.New("store lock unavailable")

	// ErrCorrupted indicates the persisted document failed to parse.
	// Fatal: the store refuses all operations rather than guess at
	// recovery, since guessing would break uniqueness and ownership.
	ErrCorrupted = errors.New("state document corrupted")
)

// Document is the full persisted state: every task, the per-type id
// counters, and the parent-to-children reverse index.
type Document struct {
	SchemaVersion int                    `json:"schema_version"`
	LastUpdated   time.Time              `json:"last_updated"`
	Tasks         map[string]*tasks.Task `json:"tasks"`

	// Counters allocates ids per type. Counters only grow, so ids are
	// never reused even after tasks reach a terminal state.
	Counters map[string]int `json:"counters,omitempty"`

	// Children maps a parent task id to its child ids, in creation order.
	Children map[string][]string `json:"children,omitempty"`
}

// NewDocument returns an empty state document.
func NewDocument() *Document {
	return &Document{
		SchemaVersion: SchemaVersion,
		Tasks:         make(map[string]*tasks.Task),
		Counters:      make(map[string]int),
		Children:      make(map[string][]string),
	}
}

// ClaimOne transitions the oldest pending task of one of the given types to
// in_progress on behalf of workerID. Ties on created_at break by id so
// selection is deterministic. Returns tasks.ErrNoMatchingTask if nothing is
// pending for those types.
func (d *Document) ClaimOne(types []string, workerID string, now time.Time, lease time.Duration) (*tasks.Task, error) {
	wanted := make(map[string]bool, len(types))
	for _, t := range types {
		wanted[t] = true
	}

	var candidates []*tasks.Task
	for _, t := range d.Tasks {
		if t.Status == tasks.StatusPending && wanted[t.Type] {
			candidates = append(candidates, t)
		}
	}
	if len(candidates) == 0 {
		return nil, tasks.ErrNoMatchingTask
	}

	sort.Slice(candidates, func(i, j int) bool {
		if !candidates[i].CreatedAt.Equal(candidates[j].CreatedAt) {
			return candidates[i].CreatedAt.Before(candidates[j].CreatedAt)
		}
		return candidates[i].ID < candidates[j].ID
	})

	t := candidates[0]
	deadline := now.Add(lease)
	t.Status = tasks.StatusInProgress
	t.Owner = workerID
	t.ClaimedAt = &now
	t.LeaseDeadline = &deadline
	t.AttemptCount++
	t.UpdatedAt = now
	return t, nil
}

// CompleteOne transitions an in_progress task to the given terminal status,
// recording the result and clearing ownership and lease fields.
// Returns tasks.ErrConflict if the task is not in_progress or is owned by a
// different worker; the record is left untouched in that case.
func (d *Document) CompleteOne(id, workerID string, status tasks.Status, result tasks.Document, now time.Time) (*tasks.Task, error) {
	t, ok := d.Tasks[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", tasks.ErrNotFound, id)
	}
	if t.Status != tasks.StatusInProgress {
		return nil, fmt.Errorf("%w: %s is %s, not in_progress", tasks.ErrConflict, id, t.Status)
	}
	if t.Owner != workerID {
		return nil, fmt.Errorf("%w: %s is owned by %s", tasks.ErrConflict, id, t.Owner)
	}
	if !status.IsTerminal() {
		return nil, fmt.Errorf("%w: %q is not a terminal status", tasks.ErrValidation, status)
	}

	t.Status = status
	t.Result = result.Clone()
	t.ClearClaim()
	t.UpdatedAt = now
	return t, nil
}

// CancelOne marks a pending or in_progress task cancelled. Cancellation is
// cooperative: it only updates the record and never signals whatever
// external process may be mid-execution on the task.
func (d *Document) CancelOne(id string, now time.Time) (*tasks.Task, error) {
	t, ok := d.Tasks[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", tasks.ErrNotFound, id)
	}
	if t.Status.IsTerminal() {
		return nil, fmt.Errorf("%w: %s is already %s", tasks.ErrConflict, id, t.Status)
	}
	t.Status = tasks.StatusCancelled
	t.ClearClaim()
	t.UpdatedAt = now
	return t, nil
}

// Store manages the durable task document and its sidecar lock file.
// All operations are safe for concurrent use by multiple OS processes.
type Store struct {
	path        string
	lockPath    string
	lockTimeout time.Duration
	lockBackoff time.Duration
}

// Option configures a Store.
type Option func(*Store)

// WithLockTimeout bounds how long an operation waits for the store lock.
func WithLockTimeout(d time.Duration) Option {
	return func(s *Store) { s.lockTimeout = d }
}

// WithLockBackoff sets the delay between lock acquisition attempts.
func WithLockBackoff(d time.Duration) Option {
	return func(s *Store) { s.lockBackoff = d }
}

// New creates a store backed by the JSON document at path. The document and
// its parent directory are created lazily on first mutation.
//
// Example:
//
//	st := store.New("state/generation_state.json")
func New(path string, opts ...Option) *Store {
	s := &Store{
		path:        path,
		lockPath:    path + ".lock",
		lockTimeout: 10 * time.Second,
		lockBackoff: 50 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Path returns the state document location.
func (s *Store) Path() string {
	return s.path
}

// Mutate runs fn against the current persisted state under the exclusive
// lock and persists the result atomically. If fn returns an error, nothing
// is persisted and the error is propagated unchanged.
func (s *Store) Mutate(ctx context.Context, fn func(*Document) error) error {
	unlock, err := s.acquire(ctx)
	if err != nil {
		return err
	}
	defer unlock()

	doc, err := s.load()
	if err != nil {
		return err
	}

	if err := fn(doc); err != nil {
		return err
	}

	return s.persist(doc)
}

// Snapshot returns a consistent read-only copy of the full state, taken
// under the same lock discipline as Mutate. The caller owns the returned
// document; concurrent mutation is blocked only for the duration of the read.
func (s *Store) Snapshot(ctx context.Context) (*Document, error) {
	unlock, err := s.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer unlock()

	return s.load()
}

// acquire takes the advisory lock with bounded retry. The lock is a
// flock(2)-style lock on a sidecar file, so it is released automatically if
// the holder process dies without unlocking.
func (s *Store) acquire(ctx context.Context) (func(), error) {
	if dir := filepath.Dir(s.lockPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create state dir: %w", err)
		}
	}

	fl := flock.New(s.lockPath)
	lockCtx, cancel := context.WithTimeout(ctx, s.lockTimeout)
	defer cancel()

	locked, err := fl.TryLockContext(lockCtx, s.lockBackoff)
	if err != nil || !locked {
		if err == nil || errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: gave up after %s", ErrStoreUnavailable, s.lockTimeout)
		}
		return nil, fmt.Errorf("acquire store lock: %w", err)
	}

	return func() {
		if err := fl.Unlock(); err != nil {
			// The kernel drops the lock when the fd closes anyway.
			logger.Log.Warn().Err(err).Str("lock", s.lockPath).Msg("Release store lock failed")
		}
	}, nil
}

// load reads and parses the state document. A missing file yields a fresh
// empty document; a file that fails to parse is ErrCorrupted.
func (s *Store) load() (*Document, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return NewDocument(), nil
		}
		return nil, fmt.Errorf("read state: %w", err)
	}

	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorrupted, s.path, err)
	}
	if doc.Tasks == nil {
		doc.Tasks = make(map[string]*tasks.Task)
	}
	if doc.Counters == nil {
		doc.Counters = make(map[string]int)
	}
	if doc.Children == nil {
		doc.Children = make(map[string][]string)
	}
	return &doc, nil
}

// persist writes the document to a temp file in the same directory and
// renames it over the state path. Rename is atomic on POSIX filesystems, so
// a crash mid-write leaves either the old or the new document, never a mix.
func (s *Store) persist(doc *Document) error {
	doc.SchemaVersion = SchemaVersion
	doc.LastUpdated = time.Now().UTC()

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".state-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp state: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp state: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("sync temp state: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp state: %w", err)
	}

	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replace state: %w", err)
	}
	return nil
}
