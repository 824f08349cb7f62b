package migrationdriver

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/nvidia/kvfleet/cluster/meta"
	"github.com/nvidia/kvfleet/migration"
	"github.com/nvidia/kvfleet/migrationworker"
	"github.com/nvidia/kvfleet/request"
)

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

func setupPair(t *testing.T, tpSize int) (*migrationworker.Worker, *migrationworker.Worker) {
	t.Helper()
	bt := newFakeTransport()
	src := migrationworker.New("inst-a", 0, tpSize, bt)
	dst := migrationworker.New("inst-b", 1, tpSize, bt)
	group := (&meta.GroupMD{}).Bump("g1", []string{"inst-a", "inst-b"}, tpSize)
	if err := src.RebuildMigrationBackend(context.Background(), group); err != nil {
		t.Fatalf("src rebuild: %v", err)
	}
	if err := dst.RebuildMigrationBackend(context.Background(), group); err != nil {
		t.Fatalf("dst rebuild: %v", err)
	}
	return src, dst
}

func singleStage(req *request.Request, _ int) (migration.TransferPlan, error) {
	return migration.TransferPlan{RequestID: req.ID, IsLastStage: true}, nil
}

func TestDriverCommitsOnSingleStageMigration(t *testing.T) {
	src, dst := setupPair(t, 1)
	req := &request.Request{ID: "r1", Status: request.Running}

	var committed *request.Request
	var launched sync.WaitGroup
	launched.Add(1)

	d := New(req, migration.Pair{Src: "inst-a", Dst: "inst-b"}, src, dst, singleStage, Callbacks{
		OnCommitted: func(r *request.Request) { committed = r },
	})
	go d.Run(context.Background(), &launched)
	launched.Wait()
	d.WaitRunning()

	deadline := time.After(2 * time.Second)
	for d.Stage() != migration.Done && d.Stage() != migration.Aborted {
		select {
		case <-deadline:
			t.Fatal("timed out waiting for migration to finish")
		case <-time.After(time.Millisecond):
		}
	}

	if d.Stage() != migration.Done {
		t.Fatalf("expected Done, got %v", d.Stage())
	}
	if committed == nil || committed.ID != "r1" {
		t.Fatalf("expected OnCommitted callback with r1, got %+v", committed)
	}
}

func TestDriverAbortRestoresSourceMetadata(t *testing.T) {
	src, dst := setupPair(t, 1)
	req := &request.Request{ID: "r2", Status: request.Running}

	var aborted *request.Request
	var launched sync.WaitGroup
	launched.Add(1)

	blockedStage := func(ctx context.Context, r *request.Request, stage int) (migration.TransferPlan, error) {
		<-ctx.Done()
		return migration.TransferPlan{}, ctx.Err()
	}

	d := New(req, migration.Pair{Src: "inst-a", Dst: "inst-b"}, src, dst, blockedStage, Callbacks{
		OnAborted: func(r *request.Request, cause error) { aborted = r },
	})
	ctx, cancel := context.WithCancel(context.Background())
	go d.Run(ctx, &launched)
	launched.Wait()
	d.WaitRunning()

	d.Abort(nil)
	cancel()

	deadline := time.After(2 * time.Second)
	for d.Stage() != migration.Aborted {
		select {
		case <-deadline:
			t.Fatal("timed out waiting for abort")
		case <-time.After(time.Millisecond):
		}
	}

	if aborted == nil || aborted.ID != "r2" {
		t.Fatalf("expected OnAborted callback with r2, got %+v", aborted)
	}
	if _, ok := src.PopMigratingOut("r2"); ok {
		t.Fatal("expected abort cleanup to already have restored/cleared the source snapshot")
	}
}
