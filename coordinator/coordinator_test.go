package coordinator

import (
	"context"
	"testing"

	"github.com/nvidia/kvfleet/config"
	"github.com/nvidia/kvfleet/instanceinfo"
	"github.com/nvidia/kvfleet/request"
	"github.com/nvidia/kvfleet/scheduler"
)

func newTestCoordinator(t *testing.T) *Coordinator {
	t.Helper()
	c, err := New(config.Default())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestGenerateDispatchesToLeastLoaded(t *testing.T) {
	c := newTestCoordinator(t)

	s1 := scheduler.New("a", 8)
	s2 := scheduler.New("b", 8)
	c.ScaleUp(InstanceRef{ID: "a"}, s1, nil, nil, false)
	c.ScaleUp(InstanceRef{ID: "b"}, s2, nil, nil, false)

	// seed instance b as more loaded
	s2.Subscribe(func(instanceinfo.Update) {})
	for i := 0; i < 3; i++ {
		s2.AddWaiting(&request.Request{ID: "seed"})
	}
	s2.Step()

	ref, err := c.Generate(context.Background(), &request.Request{})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if ref.ID != "a" {
		t.Fatalf("expected dispatch to the less-loaded instance a, got %s", ref.ID)
	}
}

func TestGenerateFailsWithNoInstances(t *testing.T) {
	c := newTestCoordinator(t)
	if _, err := c.Generate(context.Background(), &request.Request{}); err == nil {
		t.Fatal("expected Generate to fail with no registered instances")
	}
}

func TestScaleUpDownTracksPendingRebuild(t *testing.T) {
	c := newTestCoordinator(t)
	if c.PendingRebuilds() != 0 {
		t.Fatalf("expected 0 pending rebuilds initially")
	}
	c.ScaleUp(InstanceRef{ID: "a"}, scheduler.New("a", 4), nil, nil, false)
	if c.PendingRebuilds() != 1 {
		t.Fatalf("expected a scale-up to schedule one rebuild, got %d", c.PendingRebuilds())
	}
	c.ScaleDown("a")
	if c.PendingRebuilds() != 2 {
		t.Fatalf("expected scale-down to schedule another rebuild, got %d", c.PendingRebuilds())
	}
	if c.InstanceCount() != 0 {
		t.Fatalf("expected 0 instances after scale-down, got %d", c.InstanceCount())
	}
}

func TestAbortIsNoOpForUnknownRequest(t *testing.T) {
	c := newTestCoordinator(t)
	if err := c.Abort(context.Background(), "never-dispatched"); err != nil {
		t.Fatalf("Abort on unknown request should be a no-op, got %v", err)
	}
}
