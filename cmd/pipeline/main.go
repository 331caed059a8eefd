// Package main implements the pipeline CLI, the command surface workers and
// operators use to coordinate through the shared task store. One process per
// invocation; all cross-process coordination happens in the store itself.
//
// Commands:
//
//	pipeline next --task-type seed_dp,draft_dp   claim one task, print it as JSON
//	pipeline complete ID --status completed      report a result for a held task
//	pipeline create-task --type T --parent ID    insert a new pending task
//	pipeline cancel ID                           operator cancel
//	pipeline status | list | info | stuck        read-only queries
//	pipeline watch                               background sweep + metrics
//
// Exit codes: 0 on success, 2 when next finds no matching task, 1 on any
// other error.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/xdotli/tbench-agentic-data-pipeline/pkg/config"
	"github.com/xdotli/tbench-agentic-data-pipeline/pkg/coordinator"
	"github.com/xdotli/tbench-agentic-data-pipeline/pkg/store"
	"github.com/xdotli/tbench-agentic-data-pipeline/pkg/tasks"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		if errors.Is(err, tasks.ErrNoMatchingTask) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

// newRootCmd builds the full command tree. Factored out of main so tests can
// execute commands against a temp state file.
func newRootCmd() *cobra.Command {
	var cfgPath string

	root := &cobra.Command{
		Use:           "pipeline",
		Short:         "Task coordination for the data generation pipeline",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.PersistentFlags().StringVar(&cfgPath, "config", config.DefaultPath(), "Config file (TOML)")

	newCoord := func() (*coordinator.Coordinator, *config.Config, error) {
		cfg, err := config.Load(cfgPath)
		if err != nil {
			return nil, nil, err
		}
		st := store.New(cfg.StatePath,
			store.WithLockTimeout(cfg.LockTimeout.Std()),
			store.WithLockBackoff(cfg.LockBackoff.Std()),
		)
		coord := coordinator.New(st, cfg.LeaseDuration.Std(), cfg.MaxAttempts,
			coordinator.WithTransitions(cfg.Transitions))
		return coord, cfg, nil
	}

	root.AddCommand(
		newNextCmd(newCoord),
		newCompleteCmd(newCoord),
		newCreateTaskCmd(newCoord),
		newCancelCmd(newCoord),
		newStatusCmd(newCoord),
		newListCmd(newCoord),
		newInfoCmd(newCoord),
		newStuckCmd(newCoord),
		newWatchCmd(newCoord),
	)
	return root
}

type coordFactory func() (*coordinator.Coordinator, *config.Config, error)

func newNextCmd(newCoord coordFactory) *cobra.Command {
	var taskTypes string
	var workerID string

	cmd := &cobra.Command{
		Use:   "next",
		Short: "Claim the next pending task of the given types",
		RunE: func(cmd *cobra.Command, args []string) error {
			types := splitTypes(taskTypes)
			if len(types) == 0 {
				return fmt.Errorf("%w: --task-type is required", tasks.ErrValidation)
			}

			coord, _, err := newCoord()
			if err != nil {
				return err
			}

			task, err := coord.Claim(context.Background(), types, resolveWorkerID(workerID))
			if err != nil {
				return err
			}
			return printJSON(cmd, task)
		},
	}
	cmd.Flags().StringVar(&taskTypes, "task-type", "", "Comma-separated task types to claim (required)")
	cmd.Flags().StringVar(&workerID, "worker", "", "Worker identity (default: PIPELINE_WORKER_ID or generated)")
	return cmd
}

func newCompleteCmd(newCoord coordFactory) *cobra.Command {
	var status string
	var dataJSON string
	var workerID string

	cmd := &cobra.Command{
		Use:   "complete ID",
		Short: "Report a terminal status for a task you hold",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			result, err := parseDocument(dataJSON)
			if err != nil {
				return err
			}

			coord, _, err := newCoord()
			if err != nil {
				return err
			}

			task, err := coord.Complete(context.Background(), args[0], resolveWorkerID(workerID), tasks.Status(status), result)
			if err != nil {
				return err
			}
			return printJSON(cmd, task)
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "Terminal status: completed, failed, or cancelled (required)")
	cmd.Flags().StringVar(&dataJSON, "data", "", "Result payload as a JSON object")
	cmd.Flags().StringVar(&workerID, "worker", "", "Worker identity (default: PIPELINE_WORKER_ID)")
	return cmd
}

func newCreateTaskCmd(newCoord coordFactory) *cobra.Command {
	var taskType string
	var parentID string
	var dataJSON string

	cmd := &cobra.Command{
		Use:   "create-task",
		Short: "Insert a new pending task",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := parseDocument(dataJSON)
			if err != nil {
				return err
			}

			coord, _, err := newCoord()
			if err != nil {
				return err
			}

			task, err := coord.Create(context.Background(), taskType, parentID, data)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), task.ID)
			return nil
		},
	}
	cmd.Flags().StringVar(&taskType, "type", "", "Task type (required)")
	cmd.Flags().StringVar(&parentID, "parent", "", "Parent task id")
	cmd.Flags().StringVar(&dataJSON, "data", "", "Task payload as a JSON object")
	return cmd
}

func newCancelCmd(newCoord coordFactory) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel ID",
		Short: "Cancel a pending or in-progress task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			coord, _, err := newCoord()
			if err != nil {
				return err
			}
			task, err := coord.Cancel(context.Background(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd, task)
		},
	}
}

func newStatusCmd(newCoord coordFactory) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Print per-type, per-status task counts",
		RunE: func(cmd *cobra.Command, args []string) error {
			coord, _, err := newCoord()
			if err != nil {
				return err
			}
			counts, err := coord.Status(context.Background())
			if err != nil {
				return err
			}
			return printJSON(cmd, counts)
		},
	}
}

func newListCmd(newCoord coordFactory) *cobra.Command {
	var taskType string
	var status string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks, optionally filtered by type and status",
		RunE: func(cmd *cobra.Command, args []string) error {
			coord, _, err := newCoord()
			if err != nil {
				return err
			}
			list, err := coord.List(context.Background(), taskType, tasks.Status(status))
			if err != nil {
				return err
			}
			return printJSON(cmd, list)
		},
	}
	cmd.Flags().StringVar(&taskType, "type", "", "Filter by task type")
	cmd.Flags().StringVar(&status, "status", "", "Filter by status")
	return cmd
}

func newInfoCmd(newCoord coordFactory) *cobra.Command {
	var taskID string

	cmd := &cobra.Command{
		Use:   "info",
		Short: "Print a single task record",
		RunE: func(cmd *cobra.Command, args []string) error {
			if taskID == "" {
				return fmt.Errorf("%w: --task-id is required", tasks.ErrValidation)
			}
			coord, _, err := newCoord()
			if err != nil {
				return err
			}
			task, err := coord.Info(context.Background(), taskID)
			if err != nil {
				return err
			}
			return printJSON(cmd, task)
		},
	}
	cmd.Flags().StringVar(&taskID, "task-id", "", "Task id (required)")
	return cmd
}

func newStuckCmd(newCoord coordFactory) *cobra.Command {
	return &cobra.Command{
		Use:   "stuck",
		Short: "Report tasks with an expired lease that have not been swept",
		RunE: func(cmd *cobra.Command, args []string) error {
			coord, _, err := newCoord()
			if err != nil {
				return err
			}
			list, err := coord.Stuck(context.Background())
			if err != nil {
				return err
			}
			return printJSON(cmd, list)
		},
	}
}

// splitTypes parses a comma-separated type list, dropping empty entries.
func splitTypes(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

// parseDocument decodes a --data flag. Rejected before any lock is taken.
func parseDocument(raw string) (tasks.Document, error) {
	if raw == "" {
		return nil, nil
	}
	var doc tasks.Document
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return nil, fmt.Errorf("%w: --data must be a JSON object: %v", tasks.ErrValidation, err)
	}
	return doc, nil
}

// resolveWorkerID picks the worker identity: explicit flag, then the
// PIPELINE_WORKER_ID environment variable, then a generated one. A worker
// that lets the id be generated must read it back from the claimed record's
// owner field to complete the task later.
func resolveWorkerID(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if env := os.Getenv("PIPELINE_WORKER_ID"); env != "" {
		return env
	}
	return "worker-" + uuid.NewString()[:8]
}

func printJSON(cmd *cobra.Command, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(data))
	return nil
}
