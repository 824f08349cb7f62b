package e2e

import (
	"context"
	"sync"

	"github.com/nvidia/kvfleet/migration"
)

// fakeTransport is a minimal in-memory BlockTransport used to drive the
// end-to-end scenarios without any real collective/RPC machinery.
type fakeTransport struct {
	mu    sync.Mutex
	boxes map[int]chan migration.TransferPlan
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{boxes: make(map[int]chan migration.TransferPlan)}
}

func (f *fakeTransport) Name() string { return "fake" }

func (f *fakeTransport) EnsureGroup(_ context.Context, _ string, ranks []int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range ranks {
		if _, ok := f.boxes[r]; !ok {
			f.boxes[r] = make(chan migration.TransferPlan, 8)
		}
	}
	return nil
}

func (f *fakeTransport) Warmup(context.Context, string, []int) error { return nil }
func (f *fakeTransport) DestroyGroup(context.Context, string) error  { return nil }

func (f *fakeTransport) Send(ctx context.Context, _ string, dstRank int, plan migration.TransferPlan, _ bool) error {
	f.mu.Lock()
	ch := f.boxes[dstRank]
	f.mu.Unlock()
	select {
	case ch <- plan:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (f *fakeTransport) Recv(ctx context.Context, _ string, srcRank int, _ migration.TransferPlan, _ bool) error {
	f.mu.Lock()
	ch := f.boxes[srcRank]
	f.mu.Unlock()
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
