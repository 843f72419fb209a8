package cron_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/basket/netmend/internal/cron"
)

// waitFor polls check at short intervals until it returns true or the deadline
// elapses. This avoids fixed time.Sleep calls that cause flaky tests.
func waitFor(t *testing.T, deadline time.Duration, check func() bool) {
	t.Helper()
	end := time.Now().Add(deadline)
	for time.Now().Before(end) {
		if check() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met within deadline")
}

func TestRegister_RejectsBadExpression(t *testing.T) {
	s := cron.NewScheduler(cron.Config{})
	if err := s.Register("broken", "not a cron expr", func(ctx context.Context) error { return nil }); err == nil {
		t.Fatal("expected parse error")
	}
	if err := s.Register("ok", "@every 30s", func(ctx context.Context) error { return nil }); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := s.Register("ok5", "*/5 * * * *", func(ctx context.Context) error { return nil }); err != nil {
		t.Fatalf("Register 5-field: %v", err)
	}
}

func TestTick_FiresDueJobsOnly(t *testing.T) {
	s := cron.NewScheduler(cron.Config{})
	var fastFired, slowFired atomic.Int64

	if err := s.Register("fast", "@every 1s", func(ctx context.Context) error {
		fastFired.Add(1)
		return nil
	}); err != nil {
		t.Fatalf("Register fast: %v", err)
	}
	if err := s.Register("slow", "@every 1h", func(ctx context.Context) error {
		slowFired.Add(1)
		return nil
	}); err != nil {
		t.Fatalf("Register slow: %v", err)
	}

	now := time.Now()
	if fired := s.Tick(context.Background(), now); len(fired) != 0 {
		t.Fatalf("fired %v immediately, want none before the first period", fired)
	}

	fired := s.Tick(context.Background(), now.Add(2*time.Second))
	if len(fired) != 1 || fired[0] != "fast" {
		t.Fatalf("fired = %v, want [fast]", fired)
	}
	if fastFired.Load() != 1 || slowFired.Load() != 0 {
		t.Fatalf("fast=%d slow=%d", fastFired.Load(), slowFired.Load())
	}

	// The same instant again: next run has moved forward.
	if fired := s.Tick(context.Background(), now.Add(2*time.Second)); len(fired) != 0 {
		t.Fatalf("refired %v at the same instant", fired)
	}
}

func TestTick_JobErrorDoesNotStopOthers(t *testing.T) {
	s := cron.NewScheduler(cron.Config{})
	var okFired atomic.Int64

	_ = s.Register("failing", "@every 1s", func(ctx context.Context) error {
		return errors.New("boom")
	})
	_ = s.Register("ok", "@every 1s", func(ctx context.Context) error {
		okFired.Add(1)
		return nil
	})

	fired := s.Tick(context.Background(), time.Now().Add(2*time.Second))
	if len(fired) != 2 {
		t.Fatalf("fired = %v, want both jobs", fired)
	}
	if okFired.Load() != 1 {
		t.Fatalf("ok job fired %d times, want 1", okFired.Load())
	}
}

func TestScheduler_LoopFires(t *testing.T) {
	s := cron.NewScheduler(cron.Config{Interval: 20 * time.Millisecond})
	var fired atomic.Int64
	_ = s.Register("sweep", "@every 50ms", func(ctx context.Context) error {
		fired.Add(1)
		return nil
	})

	s.Start(context.Background())
	defer s.Stop()

	waitFor(t, 3*time.Second, func() bool { return fired.Load() >= 2 })
}

func TestJobs_Snapshot(t *testing.T) {
	s := cron.NewScheduler(cron.Config{})
	_ = s.Register("sweep", "@every 30s", func(ctx context.Context) error { return nil })

	jobs := s.Jobs()
	if len(jobs) != 1 {
		t.Fatalf("jobs = %d, want 1", len(jobs))
	}
	if jobs[0].Name != "sweep" || jobs[0].Expr != "@every 30s" {
		t.Fatalf("job = %+v", jobs[0])
	}
	if jobs[0].NextRun.IsZero() {
		t.Fatal("nextRun not scheduled")
	}
	if jobs[0].FireCount != 0 {
		t.Fatalf("fireCount = %d before any tick", jobs[0].FireCount)
	}

	s.Tick(context.Background(), time.Now().Add(time.Minute))
	if got := s.Jobs()[0].FireCount; got != 1 {
		t.Fatalf("fireCount = %d after firing, want 1", got)
	}
}

func TestNextRunTime(t *testing.T) {
	after := time.Date(2026, 8, 19, 9, 3, 0, 0, time.UTC)
	next, err := cron.NextRunTime("*/10 * * * *", after)
	if err != nil {
		t.Fatalf("NextRunTime: %v", err)
	}
	want := time.Date(2026, 8, 19, 9, 10, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Fatalf("next = %v, want %v", next, want)
	}

	if _, err := cron.NextRunTime("bogus", after); err == nil {
		t.Fatal("expected parse error")
	}
}
