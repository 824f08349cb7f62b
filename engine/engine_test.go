package engine

import (
	"context"
	"testing"
	"time"

	"github.com/nvidia/kvfleet/request"
	"github.com/nvidia/kvfleet/scheduler"
)

func TestEngineRunTransitionsToStoppedOnCancel(t *testing.T) {
	sched := scheduler.New("inst-0", 4)
	e := New("inst-0", sched, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		e.Run(ctx)
		close(done)
	}()

	if e.State() == Crashed {
		t.Fatal("engine should not start crashed")
	}
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("engine did not stop after context cancellation")
	}
	if e.State() != Stopped {
		t.Fatalf("expected Stopped, got %v", e.State())
	}
}

func TestEnqueueRemovalAppliesAtNextStep(t *testing.T) {
	sched := scheduler.New("inst-0", 4)
	e := New("inst-0", sched, nil)
	r := &request.Request{ID: "r1"}
	sched.AddWaiting(r)
	sched.Step()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	go e.Run(ctx)

	removed, err := e.EnqueueRemoval(ctx, "r1", false)
	if err != nil {
		t.Fatalf("EnqueueRemoval: %v", err)
	}
	if !removed {
		t.Fatal("expected EnqueueRemoval to report r1 as removed")
	}
	if sched.NumFreeBlocks() != 4 {
		t.Fatalf("expected a finished-request removal to free r1's block, got %d free", sched.NumFreeBlocks())
	}
}

func TestEnqueueRemovalMigratedOutKeepsBlocksReserved(t *testing.T) {
	sched := scheduler.New("inst-0", 4)
	e := New("inst-0", sched, nil)
	r := &request.Request{ID: "r1"}
	sched.AddWaiting(r)
	sched.Step()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	go e.Run(ctx)

	removed, err := e.EnqueueRemoval(ctx, "r1", true)
	if err != nil {
		t.Fatalf("EnqueueRemoval: %v", err)
	}
	if !removed {
		t.Fatal("expected EnqueueRemoval to report r1 as removed")
	}
	if sched.NumFreeBlocks() != 3 {
		t.Fatalf("expected a migrated-out removal to keep r1's block reserved, got %d free", sched.NumFreeBlocks())
	}
}

func TestFilterMigratingDropsMatches(t *testing.T) {
	outputs := []Output{{RequestID: "a"}, {RequestID: "b"}, {RequestID: "c"}}
	migrating := map[string]struct{}{"b": {}}
	got := FilterMigrating(outputs, migrating)
	if len(got) != 2 {
		t.Fatalf("expected 2 outputs after filtering, got %d", len(got))
	}
	for _, o := range got {
		if o.RequestID == "b" {
			t.Fatal("migrating request b should have been filtered out")
		}
	}
}
