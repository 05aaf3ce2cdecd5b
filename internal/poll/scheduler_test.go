package poll

import (
	"context"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRunNowInvokesPipeline(t *testing.T) {
	var runs atomic.Int32
	s := New(time.Hour, time.Second, func(ctx context.Context) {
		runs.Add(1)
	}, testLogger())

	s.RunNow()

	deadline := time.Now().Add(time.Second)
	for runs.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if runs.Load() != 1 {
		t.Fatalf("pipeline runs = %d, want 1", runs.Load())
	}
}

func TestCycleContextCarriesDeadline(t *testing.T) {
	gotDeadline := make(chan bool, 1)
	s := New(time.Hour, 30*time.Second, func(ctx context.Context) {
		_, ok := ctx.Deadline()
		gotDeadline <- ok
	}, testLogger())

	s.RunNow()

	select {
	case ok := <-gotDeadline:
		if !ok {
			t.Error("cycle context has no deadline")
		}
	case <-time.After(time.Second):
		t.Fatal("pipeline never ran")
	}
}

func TestSchedulerTicks(t *testing.T) {
	var runs atomic.Int32
	s := New(time.Second, time.Second, func(ctx context.Context) {
		runs.Add(1)
	}, testLogger())

	s.Start()
	defer s.Stop()

	deadline := time.Now().Add(3 * time.Second)
	for runs.Load() < 2 && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
	}
	if runs.Load() < 2 {
		t.Fatalf("pipeline runs = %d, want >= 2", runs.Load())
	}
}

func TestStopWaitsForInFlightCycle(t *testing.T) {
	started := make(chan struct{}, 1)
	release := make(chan struct{})
	s := New(time.Second, time.Minute, func(ctx context.Context) {
		select {
		case started <- struct{}{}:
		default:
		}
		<-release
	}, testLogger())

	s.Start()
	<-started

	stopDone := make(chan struct{})
	go func() {
		s.Stop()
		close(stopDone)
	}()

	select {
	case <-stopDone:
		t.Fatal("Stop() returned while a cycle was in flight")
	case <-time.After(100 * time.Millisecond):
	}

	close(release)
	select {
	case <-stopDone:
	case <-time.After(time.Second):
		t.Fatal("Stop() did not return after the cycle finished")
	}
}

func TestStopPreventsFurtherTicks(t *testing.T) {
	var runs atomic.Int32
	s := New(time.Second, time.Second, func(ctx context.Context) {
		runs.Add(1)
	}, testLogger())

	s.Start()
	s.Stop()
	before := runs.Load()

	time.Sleep(1500 * time.Millisecond)
	if runs.Load() != before {
		t.Fatalf("pipeline ran %d times after Stop()", runs.Load()-before)
	}
}

func TestStartIdempotent(t *testing.T) {
	var runs atomic.Int32
	s := New(time.Second, time.Second, func(ctx context.Context) {
		runs.Add(1)
	}, testLogger())

	s.Start()
	s.Start() // must not double-register the schedule
	defer s.Stop()

	time.Sleep(1200 * time.Millisecond)
	if runs.Load() > 1 {
		t.Fatalf("pipeline runs = %d after one tick, want <= 1", runs.Load())
	}
}
