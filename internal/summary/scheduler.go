package summary

import (
	"context"
	"log/slog"
	"time"
)

// Step is one unit of periodic work, typically a machine's RunOnce.
type Step func(ctx context.Context) error

// Scheduler runs its steps once at start and then on every tick until ctx
// ends. A failing step is logged and retried on the next tick.
type Scheduler struct {
	Log      *slog.Logger
	Interval time.Duration
	Steps    map[string]Step
}

func (s *Scheduler) Run(ctx context.Context) {
	log := s.Log
	if log == nil {
		log = slog.Default()
	}
	run := func() {
		for name, step := range s.Steps {
			if err := step(ctx); err != nil && ctx.Err() == nil {
				log.Error("scheduled rollup failed", "step", name, "err", err)
			}
		}
	}
	run()
	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			run()
		case <-ctx.Done():
			return
		}
	}
}
