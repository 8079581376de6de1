package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	logx "taskping/pkg/logx"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	s := New(Config{Workers: 2, QueueSize: 16, MisfireGrace: time.Minute}, logx.Nop(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	s.Start(ctx)
	t.Cleanup(func() {
		s.Stop(context.Background())
		cancel()
	})
	return s
}

func waitFor(t *testing.T, d time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestScheduleAtFires(t *testing.T) {
	t.Parallel()
	s := newTestService(t)

	var fired atomic.Int32
	err := s.ScheduleAt("j1", time.Now().Add(20*time.Millisecond), 0, func(context.Context) error {
		fired.Add(1)
		return nil
	})
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}
	waitFor(t, time.Second, func() bool { return fired.Load() == 1 })
	if s.Pending() != 0 {
		t.Fatalf("pending = %d after fire, want 0", s.Pending())
	}
}

func TestScheduleAtReplacesSameID(t *testing.T) {
	t.Parallel()
	s := newTestService(t)

	var first, second atomic.Int32
	if err := s.ScheduleAt("j1", time.Now().Add(30*time.Millisecond), 0, func(context.Context) error {
		first.Add(1)
		return nil
	}); err != nil {
		t.Fatalf("schedule: %v", err)
	}
	if err := s.ScheduleAt("j1", time.Now().Add(40*time.Millisecond), 0, func(context.Context) error {
		second.Add(1)
		return nil
	}); err != nil {
		t.Fatalf("reschedule: %v", err)
	}
	if got := s.Pending(); got != 1 {
		t.Fatalf("pending = %d, want 1", got)
	}

	waitFor(t, time.Second, func() bool { return second.Load() == 1 })
	time.Sleep(50 * time.Millisecond)
	if first.Load() != 0 {
		t.Fatal("replaced callback still fired")
	}
}

func TestCancel(t *testing.T) {
	t.Parallel()
	s := newTestService(t)

	var fired atomic.Int32
	if err := s.ScheduleAt("j1", time.Now().Add(30*time.Millisecond), 0, func(context.Context) error {
		fired.Add(1)
		return nil
	}); err != nil {
		t.Fatalf("schedule: %v", err)
	}
	if !s.Cancel("j1") {
		t.Fatal("Cancel returned false for a pending job")
	}
	if s.Cancel("j1") {
		t.Fatal("Cancel returned true for an absent job")
	}
	time.Sleep(80 * time.Millisecond)
	if fired.Load() != 0 {
		t.Fatal("cancelled job fired")
	}
}

func TestScheduleAtPastGrace(t *testing.T) {
	t.Parallel()
	s := newTestService(t)

	err := s.ScheduleAt("old", time.Now().Add(-2*time.Minute), 0, func(context.Context) error { return nil })
	if !errors.Is(err, ErrPastGrace) {
		t.Fatalf("err = %v, want ErrPastGrace", err)
	}

	// Lateness inside the grace window clamps to immediate execution.
	var fired atomic.Int32
	err = s.ScheduleAt("late", time.Now().Add(-10*time.Second), 0, func(context.Context) error {
		fired.Add(1)
		return nil
	})
	if err != nil {
		t.Fatalf("schedule inside grace: %v", err)
	}
	waitFor(t, time.Second, func() bool { return fired.Load() == 1 })
}

func TestScheduleBeforeStart(t *testing.T) {
	t.Parallel()
	s := New(Config{}, logx.Nop(), nil)
	err := s.ScheduleAt("j1", time.Now().Add(time.Hour), 0, func(context.Context) error { return nil })
	if !errors.Is(err, ErrNotRunning) {
		t.Fatalf("err = %v, want ErrNotRunning", err)
	}
}

func TestPanicIsolation(t *testing.T) {
	t.Parallel()
	s := newTestService(t)

	var fired atomic.Int32
	if err := s.ScheduleAt("boom", time.Now().Add(10*time.Millisecond), 0, func(context.Context) error {
		panic("kaboom")
	}); err != nil {
		t.Fatalf("schedule: %v", err)
	}
	if err := s.ScheduleAt("ok", time.Now().Add(20*time.Millisecond), 0, func(context.Context) error {
		fired.Add(1)
		return nil
	}); err != nil {
		t.Fatalf("schedule: %v", err)
	}
	// The panicking job must not prevent the second from running.
	waitFor(t, time.Second, func() bool { return fired.Load() == 1 })
}

func TestAddDaily(t *testing.T) {
	t.Parallel()
	s := newTestService(t)

	if err := s.AddDaily("sweep", "03:30", 0, func(context.Context) error { return nil }); err != nil {
		t.Fatalf("add daily: %v", err)
	}
	if err := s.AddDaily("bad", "25:00", 0, func(context.Context) error { return nil }); err == nil {
		t.Fatal("expected error for invalid HH:MM")
	}
	snap := s.Snapshot()
	if snap.Crons != 1 {
		t.Fatalf("crons = %d, want 1", snap.Crons)
	}

	// Re-registering the same name replaces, never duplicates.
	if err := s.AddDaily("sweep", "04:00", 0, func(context.Context) error { return nil }); err != nil {
		t.Fatalf("re-add daily: %v", err)
	}
	if got := s.Snapshot().Crons; got != 1 {
		t.Fatalf("crons after replace = %d, want 1", got)
	}
}

func TestStopStopsTimers(t *testing.T) {
	t.Parallel()
	s := New(Config{Workers: 1, MisfireGrace: time.Minute}, logx.Nop(), nil)
	s.Start(context.Background())

	var fired atomic.Int32
	if err := s.ScheduleAt("j1", time.Now().Add(30*time.Millisecond), 0, func(context.Context) error {
		fired.Add(1)
		return nil
	}); err != nil {
		t.Fatalf("schedule: %v", err)
	}
	s.Stop(context.Background())
	time.Sleep(80 * time.Millisecond)
	if fired.Load() != 0 {
		t.Fatal("job fired after Stop")
	}
	if err := s.ScheduleAt("j2", time.Now().Add(time.Hour), 0, func(context.Context) error { return nil }); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("err = %v, want ErrNotRunning after Stop", err)
	}
}
