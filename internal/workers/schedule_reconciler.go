package workers

import (
	"context"
	"log"
	"time"
)

// Reconciler registers scheduled posts that have no pending job.
type Reconciler interface {
	Reconcile(ctx context.Context) (int, error)
}

// ScheduleReconciler periodically re-syncs the in-process scheduler with the posts table, so rows
// written by another instance or by hand still get published.
type ScheduleReconciler struct {
	Orchestrator Reconciler
	Interval     time.Duration // How often to reconcile (default: 1 minute)
	Logger       *log.Logger
}

// Start runs the reconcile loop until ctx is canceled.
func (w *ScheduleReconciler) Start(ctx context.Context) {
	if w.Interval <= 0 {
		w.Interval = time.Minute
	}
	if w.Logger == nil {
		w.Logger = log.Default()
	}
	if w.Orchestrator == nil {
		w.Logger.Printf("[ScheduleReconciler] disabled: no orchestrator")
		return
	}

	ticker := time.NewTicker(w.Interval)
	defer ticker.Stop()

	w.Logger.Printf("[ScheduleReconciler] started (interval=%s)", w.Interval)

	for {
		select {
		case <-ctx.Done():
			w.Logger.Printf("[ScheduleReconciler] stopped")
			return
		case <-ticker.C:
			w.RunOnce(ctx)
		}
	}
}

// RunOnce performs a single reconcile pass and reports how many jobs it registered.
func (w *ScheduleReconciler) RunOnce(ctx context.Context) int {
	n, err := w.Orchestrator.Reconcile(ctx)
	if err != nil {
		w.logger().Printf("[ScheduleReconciler] error: %v", err)
		return 0
	}
	if n > 0 {
		w.logger().Printf("[ScheduleReconciler] registered %d orphaned scheduled posts", n)
	}
	return n
}

func (w *ScheduleReconciler) logger() *log.Logger {
	if w.Logger == nil {
		return log.Default()
	}
	return w.Logger
}
