// Package lease reclaims tasks whose exclusive claim has expired.
//
// There is no heartbeat channel between workers and the coordinator: the
// absence of a timely complete call is the only failure signal, and the
// sweep here is the sole recovery mechanism for worker death.
package lease

import (
	"time"

	"github.com/xdotli/tbench-agentic-data-pipeline/pkg/store"
	"github.com/xdotli/tbench-agentic-data-pipeline/pkg/tasks"
)

// ReasonLeaseExceeded is recorded in result.reason when a task exhausts its
// retry ceiling through lease expiry.
const ReasonLeaseExceeded = "lease_exceeded"

// Sweep reverts every in_progress task whose lease deadline has passed.
// Tasks with attempts remaining go back to pending with their attempt count
// kept; tasks at or past maxAttempts are failed permanently. Returns the
// tasks that changed state.
//
// Sweep mutates doc in place and is meant to run inside a store.Mutate
// transaction, so it composes atomically with a claim in the same call.
func Sweep(doc *store.Document, now time.Time, maxAttempts int) []*tasks.Task {
	var swept []*tasks.Task

	for _, t := range doc.Tasks {
		if !t.LeaseExpired(now) {
			continue
		}

		if t.AttemptCount < maxAttempts {
			t.Status = tasks.StatusPending
		} else {
			t.Status = tasks.StatusFailed
			t.Result = tasks.Document{"reason": ReasonLeaseExceeded}
		}
		t.ClearClaim()
		t.UpdatedAt = now
		swept = append(swept, t)
	}

	return swept
}

// Expired returns the tasks whose lease has already lapsed but which have
// not yet been swept. Read-only; used by the stuck diagnostic.
func Expired(doc *store.Document, now time.Time) []*tasks.Task {
	var out []*tasks.Task
	for _, t := range doc.Tasks {
		if t.LeaseExpired(now) {
			out = append(out, t.Clone())
		}
	}
	return out
}
