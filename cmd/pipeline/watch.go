package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"
	"github.com/xdotli/tbench-agentic-data-pipeline/pkg/coordinator"
	"github.com/xdotli/tbench-agentic-data-pipeline/pkg/logger"
)

// Prometheus metrics for monitoring the shared task store.
var (
	// taskCount tracks the number of tasks per type and status.
	// Updated on every sweep tick from a consistent snapshot.
	taskCount = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "pipeline_tasks",
		Help: "Number of tasks per type and status",
	}, []string{"type", "status"})

	// stuckTasks tracks tasks whose lease expired but have not been swept yet.
	stuckTasks = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pipeline_stuck_tasks",
		Help: "Tasks with an expired lease awaiting sweep",
	})

	// sweptTotal counts lease-sweep state transitions by outcome.
	// Labels:
	//   - outcome: "requeued" (back to pending) or "failed" (retries exhausted)
	sweptTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pipeline_swept_total",
		Help: "Total tasks reclaimed by the lease sweep",
	}, []string{"outcome"})
)

// newWatchCmd runs the optional background tick: a periodic lease sweep plus
// a Prometheus endpoint. Claims already sweep inline, so watch only shortens
// the window in which a crashed worker's task sits unreclaimed.
func newWatchCmd(newCoord coordFactory) *cobra.Command {
	var metricsAddr string

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Run the periodic lease sweep and expose metrics",
		RunE: func(cmd *cobra.Command, args []string) error {
			coord, cfg, err := newCoord()
			if err != nil {
				return err
			}
			if metricsAddr == "" {
				metricsAddr = cfg.MetricsAddr
			}

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			// Metrics server
			go func() {
				mux := http.NewServeMux()
				mux.Handle("/metrics", promhttp.Handler())
				logger.Log.Info().Str("addr", metricsAddr).Msg("Metrics server listening")
				if err := http.ListenAndServe(metricsAddr, mux); err != nil {
					logger.Log.Error().Err(err).Msg("Metrics server failed")
				}
			}()

			// Graceful shutdown on SIGINT/SIGTERM
			sigChan := make(chan os.Signal, 1)
			signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
			go func() {
				<-sigChan
				logger.Log.Info().Msg("Shutting down watch...")
				cancel()
			}()

			c := cron.New()
			spec := fmt.Sprintf("@every %s", cfg.SweepInterval.Std())
			if _, err := c.AddFunc(spec, func() { tick(ctx, coord) }); err != nil {
				return fmt.Errorf("schedule sweep: %w", err)
			}
			c.Start()
			defer c.Stop()

			logger.Log.Info().
				Str("interval", cfg.SweepInterval.Std().String()).
				Str("state", cfg.StatePath).
				Msg("Watch started")

			// Run one tick immediately so metrics are populated on startup.
			tick(ctx, coord)

			<-ctx.Done()
			return nil
		},
	}
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Metrics listen address (default from config)")
	return cmd
}

// tick sweeps expired leases and refreshes the task gauges.
func tick(ctx context.Context, coord *coordinator.Coordinator) {
	swept, err := coord.Sweep(ctx)
	if err != nil {
		logger.Log.Error().Err(err).Msg("Sweep failed")
		return
	}
	for _, t := range swept {
		outcome := "requeued"
		if t.Status.IsTerminal() {
			outcome = "failed"
		}
		sweptTotal.WithLabelValues(outcome).Inc()
		logger.Log.Warn().
			Str("task_id", t.ID).
			Str("status", t.Status.String()).
			Msg("Swept expired lease")
	}

	counts, err := coord.Status(ctx)
	if err != nil {
		logger.Log.Error().Err(err).Msg("Status snapshot failed")
		return
	}
	taskCount.Reset()
	for taskType, byStatus := range counts {
		for status, n := range byStatus {
			taskCount.WithLabelValues(taskType, status).Set(float64(n))
		}
	}

	stuck, err := coord.Stuck(ctx)
	if err != nil {
		logger.Log.Error().Err(err).Msg("Stuck query failed")
		return
	}
	stuckTasks.Set(float64(len(stuck)))
}
