// Package migrationdriver implements the per-request MigrationDriver
// state machine: SELECTING -> STAGING(i) -> LAST_STAGE -> COMMITTING ->
// DONE, with an ABORTED transition reachable from any non-terminal
// state. Its run-loop shape (Run/WaitRunning plus a reference counter
// dropped on commit) is carried over from the teacher's
// bucket-copy xaction, repurposed here to drive block-transfer stages
// between two MigrationWorkers instead of object copies between two
// targets.
package migrationdriver

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/nvidia/kvfleet/internal/cmn/errs"
	"github.com/nvidia/kvfleet/internal/debug"
	"github.com/nvidia/kvfleet/internal/nlog"
	"github.com/nvidia/kvfleet/migration"
	"github.com/nvidia/kvfleet/migrationworker"
	"github.com/nvidia/kvfleet/request"
	"github.com/nvidia/kvfleet/transport"
)

// StageTransferFunc produces the TransferPlan for stage i of req's
// migration; the driver calls it once per stage rather than computing
// the plan itself, since the plan depends on scheduler-owned block
// allocation the driver has no direct access to.
type StageTransferFunc func(ctx context.Context, req *request.Request, stage int) (migration.TransferPlan, error)

// Callbacks lets the owning coordinator observe terminal transitions
// without the driver reaching back into coordinator state directly.
type Callbacks struct {
	OnCommitted func(req *request.Request)
	OnAborted   func(req *request.Request, cause error)
}

// Driver runs exactly one request's migration end to end.
type Driver struct {
	req  *request.Request
	pair migration.Pair

	src *migrationworker.Worker
	dst *migrationworker.Worker

	nextStage StageTransferFunc
	cb        Callbacks

	wg   sync.WaitGroup // closes once Run has entered its first stage
	refc atomic.Int32   // the driver's own reference, dropped on commit

	stage atomic.Int32 // migration.Stage, accessed across goroutines
	err   atomic.Value // error
}

func New(req *request.Request, pair migration.Pair, src, dst *migrationworker.Worker, nextStage StageTransferFunc, cb Callbacks) *Driver {
	d := &Driver{
		req:       req,
		pair:      pair,
		src:       src,
		dst:       dst,
		nextStage: nextStage,
		cb:        cb,
	}
	d.stage.Store(int32(migration.Selecting))
	d.wg.Add(1)
	d.refc.Store(1)
	return d
}

func (d *Driver) String() string {
	return fmt.Sprintf("migration[%s: %s -> %s]", d.req.ID, d.pair.Src, d.pair.Dst)
}

func (d *Driver) Stage() migration.Stage {
	return migration.Stage(d.stage.Load())
}

func (d *Driver) WaitRunning() { d.wg.Wait() }

// Abort requests termination from any external caller (e.g. the
// coordinator reacting to a dead instance); safe to call concurrently
// with Run, and a no-op once the driver has reached a terminal stage.
func (d *Driver) Abort(cause error) {
	for {
		cur := migration.Stage(d.stage.Load())
		if cur.Terminal() {
			return
		}
		if d.stage.CompareAndSwap(int32(cur), int32(migration.Aborted)) {
			if cause != nil {
				d.err.Store(cause)
			}
			return
		}
	}
}

func (d *Driver) setStage(s migration.Stage) {
	d.stage.Store(int32(s))
}

func (d *Driver) aborted() bool {
	return migration.Stage(d.stage.Load()) == migration.Aborted
}

// Run drives the full stage sequence. It is meant to be launched on its
// own goroutine by the coordinator, mirroring the teacher's xaction
// Run(wg) convention: wg is signalled once the driver has committed to
// running so the launcher can proceed without waiting for completion.
func (d *Driver) Run(ctx context.Context, launched *sync.WaitGroup) {
	if launched != nil {
		launched.Done()
	}
	d.wg.Done()

	d.src.AddMigratingOut(d.req)
	d.req.Status = request.RunningMigrating

	for stage := 0; ; stage++ {
		if d.aborted() {
			d.abortCleanup()
			return
		}
		d.setStage(migration.Staging)

		plan, err := d.nextStage(ctx, d.req, stage)
		if err != nil {
			d.Abort(err)
			d.abortCleanup()
			return
		}
		if plan.IsLastStage {
			d.setStage(migration.LastStage)
		}

		if err := d.runStage(ctx, plan); err != nil {
			d.Abort(err)
			d.abortCleanup()
			return
		}
		if plan.IsLastStage {
			break
		}
	}

	d.commit()
}

// runStage drives both sides of one stage's transfer: the source's
// DoSend and the destination's DoRecv run concurrently against the
// same plan, since the destination has to be waiting on its inbox by
// the time the source starts writing to it.
func (d *Driver) runStage(ctx context.Context, plan migration.TransferPlan) error {
	srcRank := d.src.Rank()
	dstRank := d.dst.Rank()
	addTP, chunkSize, ok := transport.ChunkPlan(d.src.TPSize(), d.dst.TPSize())
	if !ok {
		return errs.Wrap(errs.KindTransport, nil, "non-integer tensor-parallel ratio between "+d.pair.Src+" and "+d.pair.Dst)
	}
	plan.ChunkSize = chunkSize

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return d.src.DoSend(gctx, dstRank, plan, addTP) })
	g.Go(func() error { return d.dst.DoRecv(gctx, srcRank, plan, addTP) })
	return g.Wait()
}

// commit is the COMMITTING -> DONE transition. Per the resolved
// restore-vs-drop policy (see DESIGN.md), the source metadata is only
// dropped after the destination acknowledges the commit; until then an
// abort can still restore it.
func (d *Driver) commit() {
	d.setStage(migration.Committing)

	d.dst.AddMigratingIn(d.req)
	dstReq, err := d.dst.CommitDstRequest(d.req.ID)
	if err != nil {
		d.Abort(err)
		d.abortCleanup()
		return
	}

	// Drop the driver's own reference. Nothing else takes a reference, so
	// this does not wait on any other party before declaring DONE.
	refc := d.refc.Add(-1)
	debug.Assert(refc >= 0, "migration refcount went negative")

	d.src.PopMigratingOut(d.req.ID)

	if d.cb.OnCommitted != nil {
		d.cb.OnCommitted(dstReq)
	}
	d.setStage(migration.Done)
	if nlog.FastV(1) {
		nlog.Infoln(d.String(), "committed")
	}
}

func (d *Driver) abortCleanup() {
	cause, _ := d.err.Load().(error)
	if cause == nil {
		cause = errs.New(errs.KindTransport, "migration aborted")
	}

	// Restore-before-drop: clear the source worker's migrating-out
	// tracking and flip the shared request struct back to Running before
	// touching the destination's pre-allocation, so a crash between these
	// two lines leaves the request resumable on its original instance
	// rather than orphaned.
	d.src.PopMigratingOut(d.req.ID)
	d.req.Status = request.Running
	d.req.BlockingMigration = ""

	d.dst.FreeDstPreAlloc(d.req.ID)

	if d.cb.OnAborted != nil {
		d.cb.OnAborted(d.req, cause)
	}
	nlog.Warningln(d.String(), "aborted:", cause)
}
