// internal/scheduler/scheduler_test.go
package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func waitFor(t *testing.T, cond func() bool, within time.Duration) {
	t.Helper()
	deadline := time.After(within)
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-deadline:
			t.Fatalf("condition not met within %v", within)
		case <-ticker.C:
			if cond() {
				return
			}
		}
	}
}

func TestSchedulerFiresJob(t *testing.T) {
	var fires atomic.Int32
	sched := New(nil)
	err := sched.Add(Job{Name: "sync", Schedule: "* * * * * *", Run: func(context.Context) error {
		fires.Add(1)
		return nil
	}})
	if err != nil {
		t.Fatal(err)
	}
	sched.Start()
	defer sched.Stop()

	waitFor(t, func() bool { return fires.Load() > 0 }, 2500*time.Millisecond)
}

func TestSchedulerKeepsFiringAfterErrors(t *testing.T) {
	var fires atomic.Int32
	sched := New(nil)
	err := sched.Add(Job{Name: "flaky", Schedule: "@every 1s", Run: func(context.Context) error {
		fires.Add(1)
		return errors.New("backend down")
	}})
	if err != nil {
		t.Fatal(err)
	}
	sched.Start()
	defer sched.Stop()

	waitFor(t, func() bool { return fires.Load() >= 2 }, 3500*time.Millisecond)
}

func TestSchedulerSkipsEmptySchedule(t *testing.T) {
	sched := New(nil)
	if err := sched.Add(Job{Name: "off", Run: func(context.Context) error { return nil }}); err != nil {
		t.Fatal(err)
	}
	if sched.Len() != 0 {
		t.Errorf("expected no entries, got %d", sched.Len())
	}
}

func TestSchedulerRejectsInvalidSchedule(t *testing.T) {
	sched := New(nil)
	err := sched.Add(Job{Name: "bad", Schedule: "not a cron", Run: func(context.Context) error { return nil }})
	if err == nil {
		t.Fatal("expected error for invalid schedule")
	}
	if Validate("@hourly") != nil {
		t.Error("@hourly should be valid")
	}
	if Validate("61 * * * *") == nil {
		t.Error("minute 61 should be invalid")
	}
}

func TestStopCancelsRunningJob(t *testing.T) {
	started := make(chan struct{}, 1)
	var cancelled atomic.Bool
	sched := New(nil)
	err := sched.Add(Job{Name: "slow", Schedule: "* * * * * *", Run: func(ctx context.Context) error {
		select {
		case started <- struct{}{}:
		default:
		}
		<-ctx.Done()
		cancelled.Store(true)
		return ctx.Err()
	}})
	if err != nil {
		t.Fatal(err)
	}
	sched.Start()

	select {
	case <-started:
	case <-time.After(2500 * time.Millisecond):
		t.Fatal("job did not start")
	}
	sched.Stop()
	if !cancelled.Load() {
		t.Error("Stop should cancel and wait for the running job")
	}
}
