package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/xdotli/tbench-agentic-data-pipeline/pkg/store"
	"github.com/xdotli/tbench-agentic-data-pipeline/pkg/tasks"
)

// fakeClock is a manually advanced time source for driving lease expiry.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func setupCoordinator(t *testing.T, opts ...Option) (*Coordinator, *fakeClock) {
	t.Helper()
	clock := newFakeClock()
	st := store.New(filepath.Join(t.TempDir(), "generation_state.json"))
	opts = append([]Option{WithClock(clock.Now)}, opts...)
	return New(st, 10*time.Minute, 3, opts...), clock
}

func TestScenarioSeedToDraft(t *testing.T) {
	coord, _ := setupCoordinator(t, WithTransitions(map[string]string{"seed": "draft"}))
	ctx := context.Background()

	seed, err := coord.Create(ctx, "seed", "", tasks.Document{"task_name": "fixture"})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if seed.ID != "seed_1" {
		t.Fatalf("Expected seed_1, got %s", seed.ID)
	}
	if seed.Status != tasks.StatusPending {
		t.Fatalf("Expected pending, got %s", seed.Status)
	}

	// Worker A claims it.
	claimed, err := coord.Claim(ctx, []string{"seed"}, "worker-a")
	if err != nil {
		t.Fatalf("Claim failed: %v", err)
	}
	if claimed.ID != "seed_1" || claimed.Status != tasks.StatusInProgress ||
		claimed.Owner != "worker-a" || claimed.AttemptCount != 1 {
		t.Fatalf("Unexpected claimed record: %+v", claimed)
	}

	// A completes it; the transition table spawns draft_1.
	done, err := coord.Complete(ctx, "seed_1", "worker-a", tasks.StatusCompleted, tasks.Document{"artifact": "spec.md"})
	if err != nil {
		t.Fatalf("Complete failed: %v", err)
	}
	if done.Status != tasks.StatusCompleted {
		t.Fatalf("Expected completed, got %s", done.Status)
	}

	children, err := coord.Children(ctx, "seed_1")
	if err != nil {
		t.Fatalf("Children failed: %v", err)
	}
	if len(children) != 1 || children[0].ID != "draft_1" {
		t.Fatalf("Expected spawned draft_1, got %+v", children)
	}
	if children[0].ParentID != "seed_1" {
		t.Errorf("Expected parent seed_1, got %q", children[0].ParentID)
	}
	if children[0].Data["task_name"] != "fixture" {
		t.Errorf("Expected child to inherit parent data, got %v", children[0].Data)
	}

	counts, err := coord.Status(ctx)
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if counts["seed"]["completed"] != 1 || counts["draft"]["pending"] != 1 {
		t.Errorf("Unexpected counts: %v", counts)
	}
}

func TestCrashedWorkerReclaim(t *testing.T) {
	coord, clock := setupCoordinator(t)
	ctx := context.Background()

	if _, err := coord.Create(ctx, "seed", "", nil); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	// Worker A claims and then crashes without completing.
	first, err := coord.Claim(ctx, []string{"seed"}, "worker-a")
	if err != nil {
		t.Fatalf("Claim failed: %v", err)
	}
	if first.AttemptCount != 1 {
		t.Fatalf("Expected attempt 1, got %d", first.AttemptCount)
	}

	// Before the lease lapses, nobody else can take it.
	clock.Advance(10*time.Minute - time.Second)
	if _, err := coord.Claim(ctx, []string{"seed"}, "worker-b"); !errors.Is(err, tasks.ErrNoMatchingTask) {
		t.Fatalf("Expected no matching task before lease expiry, got %v", err)
	}

	// After the lease lapses, the next claim sweeps and re-claims it.
	clock.Advance(2 * time.Second)
	second, err := coord.Claim(ctx, []string{"seed"}, "worker-b")
	if err != nil {
		t.Fatalf("Claim after expiry failed: %v", err)
	}
	if second.ID != first.ID {
		t.Errorf("Expected the same task reclaimed, got %s", second.ID)
	}
	if second.Owner != "worker-b" {
		t.Errorf("Expected owner worker-b, got %q", second.Owner)
	}
	if second.AttemptCount != 2 {
		t.Errorf("Expected attempt_count 2, got %d", second.AttemptCount)
	}

	// A's late completion is rejected: the claim moved on.
	if _, err := coord.Complete(ctx, first.ID, "worker-a", tasks.StatusCompleted, nil); !errors.Is(err, tasks.ErrConflict) {
		t.Errorf("Expected ErrConflict for stale owner, got %v", err)
	}
}

func TestRetryCeilingFailsTask(t *testing.T) {
	coord, clock := setupCoordinator(t)
	ctx := context.Background()

	if _, err := coord.Create(ctx, "seed", "", nil); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	// Burn through the retry ceiling with repeated crashes.
	for attempt := 1; attempt <= 3; attempt++ {
		claimed, err := coord.Claim(ctx, []string{"seed"}, fmt.Sprintf("worker-%d", attempt))
		if err != nil {
			t.Fatalf("Claim %d failed: %v", attempt, err)
		}
		if claimed.AttemptCount != attempt {
			t.Fatalf("Expected attempt %d, got %d", attempt, claimed.AttemptCount)
		}
		clock.Advance(11 * time.Minute)
	}

	// The next claim's sweep fails the task instead of re-queueing it.
	if _, err := coord.Claim(ctx, []string{"seed"}, "worker-final"); !errors.Is(err, tasks.ErrNoMatchingTask) {
		t.Fatalf("Expected no matching task, got %v", err)
	}

	task, err := coord.Info(ctx, "seed_1")
	if err != nil {
		t.Fatalf("Info failed: %v", err)
	}
	if task.Status != tasks.StatusFailed {
		t.Errorf("Expected failed after retry ceiling, got %s", task.Status)
	}
	if task.Result["reason"] != "lease_exceeded" {
		t.Errorf("Expected reason lease_exceeded, got %v", task.Result)
	}
}

func TestClaimMissStillPersistsSweep(t *testing.T) {
	coord, clock := setupCoordinator(t)
	ctx := context.Background()

	if _, err := coord.Create(ctx, "seed", "", nil); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if _, err := coord.Claim(ctx, []string{"seed"}, "worker-a"); err != nil {
		t.Fatalf("Claim failed: %v", err)
	}
	clock.Advance(11 * time.Minute)

	// A claim for a type with nothing pending still runs the sweep, and the
	// requeue it performed must survive the miss.
	if _, err := coord.Claim(ctx, []string{"draft"}, "worker-b"); !errors.Is(err, tasks.ErrNoMatchingTask) {
		t.Fatalf("Expected no matching task, got %v", err)
	}

	task, err := coord.Info(ctx, "seed_1")
	if err != nil {
		t.Fatalf("Info failed: %v", err)
	}
	if task.Status != tasks.StatusPending {
		t.Errorf("Expected requeue to be persisted, got %s", task.Status)
	}
	if task.Owner != "" || task.LeaseDeadline != nil {
		t.Errorf("Expected claim fields cleared, got owner=%q deadline=%v", task.Owner, task.LeaseDeadline)
	}
	if task.AttemptCount != 1 {
		t.Errorf("Expected attempt_count kept at 1, got %d", task.AttemptCount)
	}
}

func TestConcurrentClaimNoDuplicates(t *testing.T) {
	const pending = 8
	const claimers = 16

	clock := newFakeClock()
	statePath := filepath.Join(t.TempDir(), "generation_state.json")
	seedCoord := New(store.New(statePath), 10*time.Minute, 3, WithClock(clock.Now))
	ctx := context.Background()

	for i := 0; i < pending; i++ {
		if _, err := seedCoord.Create(ctx, "seed", "", nil); err != nil {
			t.Fatalf("Create failed: %v", err)
		}
	}

	// Each claimer gets its own Store instance, as separate OS processes
	// would; mutual exclusion must come from the file lock alone.
	var wg sync.WaitGroup
	results := make([]string, claimers)
	errs := make([]error, claimers)
	for i := 0; i < claimers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			coord := New(store.New(statePath), 10*time.Minute, 3, WithClock(clock.Now))
			task, err := coord.Claim(ctx, []string{"seed"}, fmt.Sprintf("worker-%d", n))
			if err != nil {
				errs[n] = err
				return
			}
			results[n] = task.ID
		}(i)
	}
	wg.Wait()

	claimed := make(map[string]int)
	misses := 0
	for i := 0; i < claimers; i++ {
		switch {
		case results[i] != "":
			claimed[results[i]]++
		case errors.Is(errs[i], tasks.ErrNoMatchingTask):
			misses++
		default:
			t.Errorf("Claimer %d: unexpected error %v", i, errs[i])
		}
	}

	if len(claimed) != pending {
		t.Errorf("Expected %d distinct tasks claimed, got %d", pending, len(claimed))
	}
	for id, n := range claimed {
		if n > 1 {
			t.Errorf("Task %s claimed by %d workers", id, n)
		}
	}
	if misses != claimers-pending {
		t.Errorf("Expected %d misses, got %d", claimers-pending, misses)
	}
}

func TestCompleteAfterCancelRejected(t *testing.T) {
	coord, _ := setupCoordinator(t)
	ctx := context.Background()

	if _, err := coord.Create(ctx, "seed", "", nil); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	claimed, err := coord.Claim(ctx, []string{"seed"}, "worker-a")
	if err != nil {
		t.Fatalf("Claim failed: %v", err)
	}

	// Operator cancels while the worker is mid-execution.
	cancelled, err := coord.Cancel(ctx, claimed.ID)
	if err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}
	if cancelled.Status != tasks.StatusCancelled || cancelled.Owner != "" {
		t.Fatalf("Unexpected cancelled record: %+v", cancelled)
	}

	// The worker's eventual complete call is rejected.
	if _, err := coord.Complete(ctx, claimed.ID, "worker-a", tasks.StatusCompleted, nil); !errors.Is(err, tasks.ErrConflict) {
		t.Errorf("Expected ErrConflict completing a cancelled task, got %v", err)
	}
}

func TestCreateValidation(t *testing.T) {
	coord, _ := setupCoordinator(t)
	ctx := context.Background()

	if _, err := coord.Create(ctx, "draft", "seed_99", nil); !errors.Is(err, tasks.ErrNotFound) {
		t.Errorf("Expected ErrNotFound for missing parent, got %v", err)
	}
	counts, err := coord.Status(ctx)
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if len(counts) != 0 {
		t.Errorf("Expected empty store after rejected create, got %v", counts)
	}

	if _, err := coord.Claim(ctx, nil, "worker-a"); !errors.Is(err, tasks.ErrValidation) {
		t.Errorf("Expected ErrValidation for empty types, got %v", err)
	}
	if _, err := coord.Claim(ctx, []string{"seed"}, ""); !errors.Is(err, tasks.ErrValidation) {
		t.Errorf("Expected ErrValidation for empty worker, got %v", err)
	}
	if _, err := coord.Complete(ctx, "x", "worker-a", tasks.StatusPending, nil); !errors.Is(err, tasks.ErrValidation) {
		t.Errorf("Expected ErrValidation for non-terminal status, got %v", err)
	}
}

func TestAccountingClosure(t *testing.T) {
	coord, clock := setupCoordinator(t)
	ctx := context.Background()

	// A mixed sequence: creates, claims, completes, failures, a crash, a cancel.
	for i := 0; i < 6; i++ {
		if _, err := coord.Create(ctx, "seed", "", nil); err != nil {
			t.Fatalf("Create failed: %v", err)
		}
	}
	a, _ := coord.Claim(ctx, []string{"seed"}, "worker-a")
	b, _ := coord.Claim(ctx, []string{"seed"}, "worker-b")
	if _, err := coord.Complete(ctx, a.ID, "worker-a", tasks.StatusCompleted, nil); err != nil {
		t.Fatalf("Complete failed: %v", err)
	}
	if _, err := coord.Complete(ctx, b.ID, "worker-b", tasks.StatusFailed, tasks.Document{"reason": "tests failed"}); err != nil {
		t.Fatalf("Complete failed: %v", err)
	}
	c, _ := coord.Claim(ctx, []string{"seed"}, "worker-c")
	if _, err := coord.Cancel(ctx, c.ID); err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}
	d, _ := coord.Claim(ctx, []string{"seed"}, "worker-d")
	clock.Advance(time.Hour) // d's worker crashes
	if _, err := coord.Sweep(ctx); err != nil {
		t.Fatalf("Sweep failed: %v", err)
	}
	if _, err := coord.Claim(ctx, []string{"seed"}, "worker-e"); err != nil {
		t.Fatalf("Claim failed: %v", err)
	}
	_ = d

	counts, err := coord.Status(ctx)
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}

	total := 0
	for _, byStatus := range counts {
		for _, n := range byStatus {
			total += n
		}
	}
	list, err := coord.List(ctx, "", "")
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if total != len(list) {
		t.Errorf("Bucket counts sum to %d but store holds %d tasks", total, len(list))
	}
	if total != 6 {
		t.Errorf("Expected 6 tasks, got %d", total)
	}
}

func TestStuckReportsWithoutMutation(t *testing.T) {
	coord, clock := setupCoordinator(t)
	ctx := context.Background()

	if _, err := coord.Create(ctx, "seed", "", nil); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	claimed, err := coord.Claim(ctx, []string{"seed"}, "worker-a")
	if err != nil {
		t.Fatalf("Claim failed: %v", err)
	}

	if stuck, _ := coord.Stuck(ctx); len(stuck) != 0 {
		t.Errorf("Expected nothing stuck before expiry, got %d", len(stuck))
	}

	clock.Advance(time.Hour)
	stuck, err := coord.Stuck(ctx)
	if err != nil {
		t.Fatalf("Stuck failed: %v", err)
	}
	if len(stuck) != 1 || stuck[0].ID != claimed.ID {
		t.Fatalf("Expected %s stuck, got %+v", claimed.ID, stuck)
	}

	// Diagnostic only: the record is still in_progress until something sweeps.
	task, err := coord.Info(ctx, claimed.ID)
	if err != nil {
		t.Fatalf("Info failed: %v", err)
	}
	if task.Status != tasks.StatusInProgress {
		t.Errorf("Stuck mutated the record: %s", task.Status)
	}
}

func TestChildrenFollowsLineage(t *testing.T) {
	coord, _ := setupCoordinator(t)
	ctx := context.Background()

	if _, err := coord.Create(ctx, "seed", "", nil); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	for i := 0; i < 3; i++ {
		if _, err := coord.Create(ctx, "draft", "seed_1", nil); err != nil {
			t.Fatalf("Create child failed: %v", err)
		}
	}

	children, err := coord.Children(ctx, "seed_1")
	if err != nil {
		t.Fatalf("Children failed: %v", err)
	}
	want := []string{"draft_1", "draft_2", "draft_3"}
	if len(children) != len(want) {
		t.Fatalf("Expected %d children, got %d", len(want), len(children))
	}
	for i, id := range want {
		if children[i].ID != id {
			t.Errorf("Child %d: expected %s, got %s", i, id, children[i].ID)
		}
		if children[i].ParentID != "seed_1" {
			t.Errorf("Child %s: expected parent seed_1, got %q", id, children[i].ParentID)
		}
	}

	if _, err := coord.Children(ctx, "seed_99"); !errors.Is(err, tasks.ErrNotFound) {
		t.Fatalf("Expected ErrNotFound for unknown parent, got %v", err)
	}
}

func TestOwnershipEnforcementLeavesRecordIdentical(t *testing.T) {
	coord, _ := setupCoordinator(t)
	ctx := context.Background()

	if _, err := coord.Create(ctx, "seed", "", tasks.Document{"k": "v"}); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if _, err := coord.Claim(ctx, []string{"seed"}, "worker-a"); err != nil {
		t.Fatalf("Claim failed: %v", err)
	}

	before, err := coord.Info(ctx, "seed_1")
	if err != nil {
		t.Fatalf("Info failed: %v", err)
	}

	if _, err := coord.Complete(ctx, "seed_1", "worker-b", tasks.StatusCompleted, nil); !errors.Is(err, tasks.ErrConflict) {
		t.Fatalf("Expected ErrConflict, got %v", err)
	}

	after, err := coord.Info(ctx, "seed_1")
	if err != nil {
		t.Fatalf("Info failed: %v", err)
	}
	b1, _ := json.Marshal(before)
	b2, _ := json.Marshal(after)
	if string(b1) != string(b2) {
		t.Errorf("Record changed after rejected complete:\nbefore: %s\nafter:  %s", b1, b2)
	}
}
