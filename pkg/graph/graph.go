// Package graph maintains task lineage and the type/status indexes.
//
// Parent-child links are plain id references with a persisted reverse index
// (arena-and-index), never embedded pointers. A child can only reference a
// parent that already exists at creation time, which forecloses cycles by
// construction.
package graph

import (
	"fmt"
	"sort"
	"time"

	"github.com/xdotli/tbench-agentic-data-pipeline/pkg/store"
	"github.com/xdotli/tbench-agentic-data-pipeline/pkg/tasks"
)

// Create validates parentID (if set), allocates the next id for taskType,
// inserts a pending task, and registers the parent-to-child edge. It mutates
// doc in place and is meant to run inside a store.Mutate transaction.
//
// Ids are "<type>_<n>" with n drawn from a per-type counter that only grows,
// so an id is never reused for the lifetime of the store.
func Create(doc *store.Document, taskType, parentID string, data tasks.Document, now time.Time) (*tasks.Task, error) {
	if taskType == "" {
		return nil, fmt.Errorf("%w: task type is required", tasks.ErrValidation)
	}
	if parentID != "" {
		if _, ok := doc.Tasks[parentID]; !ok {
			return nil, fmt.Errorf("%w: parent %s", tasks.ErrNotFound, parentID)
		}
	}

	doc.Counters[taskType]++
	id := fmt.Sprintf("%s_%d", taskType, doc.Counters[taskType])

	t := &tasks.Task{
		ID:        id,
		Type:      taskType,
		Status:    tasks.StatusPending,
		ParentID:  parentID,
		Data:      data.Clone(),
		CreatedAt: now,
		UpdatedAt: now,
	}
	doc.Tasks[id] = t

	if parentID != "" {
		doc.Children[parentID] = append(doc.Children[parentID], id)
	}

	return t, nil
}

// ChildrenOf returns copies of the tasks derived from id, in creation order.
func ChildrenOf(doc *store.Document, id string) []*tasks.Task {
	ids := doc.Children[id]
	out := make([]*tasks.Task, 0, len(ids))
	for _, childID := range ids {
		if t, ok := doc.Tasks[childID]; ok {
			out = append(out, t.Clone())
		}
	}
	return out
}

// ByTypeStatus returns copies of the tasks matching the given type and
// status filters, sorted by created_at then id. An empty filter matches all.
func ByTypeStatus(doc *store.Document, taskType string, status tasks.Status) []*tasks.Task {
	var out []*tasks.Task
	for _, t := range doc.Tasks {
		if taskType != "" && t.Type != taskType {
			continue
		}
		if status != "" && t.Status != status {
			continue
		}
		out = append(out, t.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// StatusCounts aggregates per-type, per-status task counts. The buckets are
// mutually exclusive and sum to the total task count.
func StatusCounts(doc *store.Document) map[string]map[string]int {
	counts := make(map[string]map[string]int)
	for _, t := range doc.Tasks {
		byStatus, ok := counts[t.Type]
		if !ok {
			byStatus = make(map[string]int)
			counts[t.Type] = byStatus
		}
		byStatus[t.Status.String()]++
	}
	return counts
}
