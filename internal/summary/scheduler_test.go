package summary

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestSchedulerRunsUntilCancelled(t *testing.T) {
	var ok, failing atomic.Int32
	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{Interval: 5 * time.Millisecond, Steps: map[string]Step{
		"derecho": func(context.Context) error { ok.Add(1); return nil },
		"casper":  func(context.Context) error { failing.Add(1); return errors.New("db down") },
	}}
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()
	deadline := time.After(2 * time.Second)
	for ok.Load() < 3 {
		select {
		case <-deadline:
			t.Fatalf("only %d runs", ok.Load())
		case <-time.After(time.Millisecond):
		}
	}
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("scheduler did not stop")
	}
	if failing.Load() < 2 {
		t.Fatalf("failing step stopped being retried: %d", failing.Load())
	}
}
