package orchestrator

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Task is one named background job with a fixed period (spec §5: pricing
// refresh, SLO recomputation, anomaly baseline update, budget monthly
// roll, alert cooldown GC).
type Task struct {
	Name   string
	Period time.Duration
	Run    func(ctx context.Context) error
}

// Supervisor runs each Task on its own loop and restarts any run that
// exceeds 2x its configured period (spec §5: "A background task that
// exceeds 2x its period is killed and restarted").
type Supervisor struct {
	tasks  []Task
	logger *slog.Logger
	onRestart func(taskName string)
}

func NewSupervisor(tasks []Task, logger *slog.Logger, onRestart func(string)) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Supervisor{tasks: tasks, logger: logger, onRestart: onRestart}
}

// Run blocks until ctx is cancelled, running every configured task on its
// own goroutine.
func (s *Supervisor) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, t := range s.tasks {
		wg.Add(1)
		go func(t Task) {
			defer wg.Done()
			s.runLoop(ctx, t)
		}(t)
	}
	wg.Wait()
}

func (s *Supervisor) runLoop(ctx context.Context, t Task) {
	ticker := time.NewTicker(t.Period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runOnceWithWatchdog(ctx, t)
		}
	}
}

func (s *Supervisor) runOnceWithWatchdog(ctx context.Context, t Task) {
	done := make(chan error, 1)
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() { done <- t.Run(runCtx) }()

	select {
	case err := <-done:
		if err != nil {
			s.logger.Error("background task failed", "task", t.Name, "error", err)
		}
	case <-time.After(2 * t.Period):
		s.logger.Warn("background task exceeded 2x its period, restarting", "task", t.Name, "period", t.Period)
		cancel()
		if s.onRestart != nil {
			s.onRestart(t.Name)
		}
	case <-ctx.Done():
	}
}
