// Package main provides a benchmark tool for the task coordinator to measure
// claim throughput under contention. It seeds pending tasks into a throwaway
// state file, then races concurrent claimers against it and verifies that no
// task was handed to more than one claimer.
//
// Usage:
//
//	go run benchmark/main.go -tasks 1000 -workers 10
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/xdotli/tbench-agentic-data-pipeline/pkg/coordinator"
	"github.com/xdotli/tbench-agentic-data-pipeline/pkg/graph"
	"github.com/xdotli/tbench-agentic-data-pipeline/pkg/store"
	"github.com/xdotli/tbench-agentic-data-pipeline/pkg/tasks"
)

func main() {
	numTasks := flag.Int("tasks", 1000, "Number of tasks to seed")
	numWorkers := flag.Int("workers", 10, "Number of concurrent claimers")
	flag.Parse()

	dir, err := os.MkdirTemp("", "pipeline-bench-*")
	if err != nil {
		fmt.Printf("Error creating temp dir: %v\n", err)
		os.Exit(1)
	}
	defer os.RemoveAll(dir)

	statePath := filepath.Join(dir, "generation_state.json")
	st := store.New(statePath)
	ctx := context.Background()

	fmt.Printf("Pipeline Claim Benchmark\n")
	fmt.Printf("========================\n")
	fmt.Printf("Tasks to seed: %d\n", *numTasks)
	fmt.Printf("Concurrent claimers: %d\n\n", *numWorkers)

	// Seed phase: one transaction, bulk insert
	fmt.Printf("Seeding tasks...\n")
	startSeed := time.Now()
	err = st.Mutate(ctx, func(doc *store.Document) error {
		now := time.Now().UTC()
		for i := 0; i < *numTasks; i++ {
			if _, err := graph.Create(doc, "bench", "", tasks.Document{"n": i}, now); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		fmt.Printf("Error seeding: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("✓ Seeded %d tasks in %s\n\n", *numTasks, time.Since(startSeed))

	// Claim phase: every claimer gets its own coordinator, as separate
	// worker processes would
	fmt.Printf("Starting claim phase...\n")
	startClaim := time.Now()

	var wg sync.WaitGroup
	var claimed atomic.Int64
	seen := make([]map[string]bool, *numWorkers)

	for i := 0; i < *numWorkers; i++ {
		wg.Add(1)
		seen[i] = make(map[string]bool)
		go func(workerID int) {
			defer wg.Done()
			coord := coordinator.New(store.New(statePath), time.Hour, 3)
			name := fmt.Sprintf("bench-worker-%d", workerID)
			for {
				task, err := coord.Claim(ctx, []string{"bench"}, name)
				if err != nil {
					if errors.Is(err, tasks.ErrNoMatchingTask) {
						return
					}
					fmt.Printf("Error claiming: %v\n", err)
					return
				}
				seen[workerID][task.ID] = true
				claimed.Add(1)
			}
		}(i)
	}

	wg.Wait()
	claimTime := time.Since(startClaim)

	// Duplicate check across all claimers
	all := make(map[string]int)
	for _, m := range seen {
		for id := range m {
			all[id]++
		}
	}
	duplicates := 0
	for _, n := range all {
		if n > 1 {
			duplicates++
		}
	}

	fmt.Printf("\n✓ Claimed %d tasks in %s\n", claimed.Load(), claimTime)
	fmt.Printf("  Throughput: %.2f claims/sec\n", float64(claimed.Load())/claimTime.Seconds())
	fmt.Printf("  Distinct tasks: %d\n", len(all))
	fmt.Printf("  Duplicate claims: %d\n", duplicates)

	if duplicates > 0 || int(claimed.Load()) != *numTasks {
		fmt.Printf("\nFAIL: expected %d distinct claims with no duplicates\n", *numTasks)
		os.Exit(1)
	}
	fmt.Printf("\nOK\n")
}
