package executor

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

func TestTicker_RunsPeriodically(t *testing.T) {
	tk := NewTicker(context.Background())
	defer tk.Close()

	var count atomic.Int32
	cancel := tk.ScheduleAtInterval(func(ctx context.Context) {
		count.Add(1)
	}, 10*time.Millisecond)
	defer cancel()

	time.Sleep(55 * time.Millisecond)

	if got := count.Load(); got < 3 {
		t.Fatalf("expected at least 3 ticks in 55ms at a 10ms period, got %d", got)
	}
}

func TestTicker_CancelStopsFurtherTicks(t *testing.T) {
	tk := NewTicker(context.Background())
	defer tk.Close()

	var count atomic.Int32
	cancel := tk.ScheduleAtInterval(func(ctx context.Context) {
		count.Add(1)
	}, 5*time.Millisecond)

	time.Sleep(20 * time.Millisecond)
	cancel()
	afterCancel := count.Load()

	time.Sleep(30 * time.Millisecond)
	if count.Load() != afterCancel {
		t.Fatalf("expected no further ticks after cancel, went from %d to %d", afterCancel, count.Load())
	}
}

func TestTicker_CloseStopsAllTasks(t *testing.T) {
	tk := NewTicker(context.Background())

	var a, b atomic.Int32
	tk.ScheduleAtInterval(func(ctx context.Context) { a.Add(1) }, 5*time.Millisecond)
	tk.ScheduleAtInterval(func(ctx context.Context) { b.Add(1) }, 5*time.Millisecond)

	time.Sleep(15 * time.Millisecond)
	tk.Close()

	aAfter, bAfter := a.Load(), b.Load()
	time.Sleep(20 * time.Millisecond)
	if a.Load() != aAfter || b.Load() != bAfter {
		t.Fatalf("expected Close to stop every scheduled task")
	}
}

func TestTicker_ScheduleAfterCloseIsNoop(t *testing.T) {
	tk := NewTicker(context.Background())
	tk.Close()

	var count atomic.Int32
	cancel := tk.ScheduleAtInterval(func(ctx context.Context) { count.Add(1) }, 5*time.Millisecond)
	cancel()

	time.Sleep(15 * time.Millisecond)
	if count.Load() != 0 {
		t.Fatalf("expected scheduling after Close to be a no-op, got %d ticks", count.Load())
	}
}

func TestTicker_ParentCancelStopsTasks(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	tk := NewTicker(ctx)
	defer tk.Close()

	var count atomic.Int32
	tk.ScheduleAtInterval(func(ctx context.Context) { count.Add(1) }, 5*time.Millisecond)

	time.Sleep(15 * time.Millisecond)
	cancel()
	after := count.Load()

	time.Sleep(20 * time.Millisecond)
	if count.Load() != after {
		t.Fatalf("expected cancelling the parent context to stop scheduled tasks")
	}
}
