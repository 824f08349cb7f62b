// Package migrationworker implements the per-model-worker migration
// collaborator: it owns the migrating-out/migrating-in metadata maps and
// drives do_send/do_recv/migrate_cache against a BlockTransport, plus
// rebuild_migration_backend when group membership changes.
package migrationworker

import (
	"context"
	"sync"

	"github.com/nvidia/kvfleet/cluster/meta"
	"github.com/nvidia/kvfleet/internal/cmn/errs"
	"github.com/nvidia/kvfleet/internal/debug"
	"github.com/nvidia/kvfleet/internal/nlog"
	"github.com/nvidia/kvfleet/migration"
	"github.com/nvidia/kvfleet/request"
	"github.com/nvidia/kvfleet/transport"
)

// Worker is one model worker's migration collaborator, one per rank of
// one instance.
type Worker struct {
	instanceID string
	rank       int
	tpSize     int

	bt transport.BlockTransport

	mu           sync.Mutex
	group        *meta.GroupMD
	migratingOut map[string]*request.Request // requests this worker is sending away
	migratingIn  map[string]*request.Request // requests this worker is receiving
}

func New(instanceID string, rank, tpSize int, bt transport.BlockTransport) *Worker {
	return &Worker{
		instanceID:   instanceID,
		rank:         rank,
		tpSize:       tpSize,
		bt:           bt,
		migratingOut: make(map[string]*request.Request),
		migratingIn:  make(map[string]*request.Request),
	}
}

func (w *Worker) InstanceID() string { return w.instanceID }
func (w *Worker) Rank() int          { return w.rank }
func (w *Worker) TPSize() int        { return w.tpSize }

// RebuildMigrationBackend replaces the collective group this worker
// participates in; called by the coordinator after any scale up/down or
// pair reselection, since the group name and rank table are invalidated
// by membership changes.
func (w *Worker) RebuildMigrationBackend(ctx context.Context, group *meta.GroupMD) error {
	ranks := make([]int, 0, len(group.Ranks))
	for _, r := range group.Ranks {
		ranks = append(ranks, r)
	}
	if err := w.bt.EnsureGroup(ctx, group.GroupName, ranks); err != nil {
		return errs.ErrGroupInitTimeout(group.GroupName)
	}
	if err := w.bt.Warmup(ctx, group.GroupName, ranks); err != nil {
		return errs.ErrGroupInitTimeout(group.GroupName)
	}

	w.mu.Lock()
	old := w.group
	w.group = group
	w.mu.Unlock()

	if old != nil && old.GroupName != group.GroupName {
		if err := w.bt.DestroyGroup(ctx, old.GroupName); err != nil {
			nlog.Warningln("worker", w.instanceID, "rank", w.rank, "destroy stale group", old.GroupName, "failed:", err)
		}
	}
	return nil
}

// AddMigratingOut records req as being sent away under reqID so a later
// abort can restore it, mirroring add_migrating_out_request_last_stage.
func (w *Worker) AddMigratingOut(req *request.Request) {
	w.mu.Lock()
	w.migratingOut[req.ID] = req.Clone()
	w.mu.Unlock()
}

// PopMigratingOut removes and returns the last-stage snapshot for reqID,
// mirroring pop_migrating_out_request_last_stage; the second return is
// false if nothing was staged (e.g. it was already committed or never
// started).
func (w *Worker) PopMigratingOut(reqID string) (*request.Request, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	r, ok := w.migratingOut[reqID]
	if ok {
		delete(w.migratingOut, reqID)
	}
	return r, ok
}

// AddMigratingIn records metadata received for reqID ahead of the
// destination committing it.
func (w *Worker) AddMigratingIn(req *request.Request) {
	w.mu.Lock()
	w.migratingIn[req.ID] = req
	w.mu.Unlock()
}

// CommitDstRequest finalizes a migrated-in request: it is removed from
// the pending map and handed back to the caller (the instance
// scheduler) to admit into the running queue, mirroring commit_seq_group_metadata.
func (w *Worker) CommitDstRequest(reqID string) (*request.Request, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	r, ok := w.migratingIn[reqID]
	if !ok {
		return nil, errs.ErrRequestFinishedMidMigration(reqID)
	}
	delete(w.migratingIn, reqID)
	return r, nil
}

// FreeDstPreAlloc drops a pre-allocated reservation for reqID that was
// never used because the migration aborted before committing.
func (w *Worker) FreeDstPreAlloc(reqID string) {
	w.mu.Lock()
	delete(w.migratingIn, reqID)
	w.mu.Unlock()
}

// DoSend transfers one stage of reqID's blocks to dstRank.
func (w *Worker) DoSend(ctx context.Context, dstRank int, plan migration.TransferPlan, addTP bool) error {
	w.mu.Lock()
	group := w.group
	w.mu.Unlock()
	if group == nil {
		return errs.ErrGroupInitTimeout("(no group)")
	}
	debug.Assert(plan.RequestID != "", "transfer plan missing request id")
	if err := w.bt.Send(ctx, group.GroupName, dstRank, plan, addTP); err != nil {
		return err
	}
	if nlog.FastV(2) {
		nlog.Infof("worker %s/%d: sent stage for %s (last=%v)", w.instanceID, w.rank, plan.RequestID, plan.IsLastStage)
	}
	return nil
}

// DoRecv is the peer of DoSend. srcRank identifies the sender for
// logging only: the backends address their inbox by the receiving
// rank, matching how DoSend addresses its write by dstRank, so the
// actual backend call is keyed by this worker's own rank rather than
// srcRank.
func (w *Worker) DoRecv(ctx context.Context, srcRank int, plan migration.TransferPlan, addTP bool) error {
	w.mu.Lock()
	group := w.group
	w.mu.Unlock()
	if group == nil {
		return errs.ErrGroupInitTimeout("(no group)")
	}
	if err := w.bt.Recv(ctx, group.GroupName, w.rank, plan, addTP); err != nil {
		return err
	}
	if nlog.FastV(2) {
		nlog.Infof("worker %s/%d: recv stage for %s (last=%v)", w.instanceID, w.rank, plan.RequestID, plan.IsLastStage)
	}
	return nil
}

// MigrateCache drives one full request's transfer across stages,
// computing the tensor-parallel chunk plan once up front: a
// non-integer TP ratio fails here, before any transport call, per the
// migration-start validation policy.
func (w *Worker) MigrateCache(ctx context.Context, dstRank, dstTP int, plans []migration.TransferPlan) error {
	addTP, chunkSize, ok := transport.ChunkPlan(w.tpSize, dstTP)
	if !ok {
		return errs.Wrap(errs.KindTransport, nil, "tensor-parallel degrees are not integer multiples")
	}
	for i := range plans {
		plans[i].ChunkSize = chunkSize
		if err := w.DoSend(ctx, dstRank, plans[i], addTP); err != nil {
			return err
		}
	}
	return nil
}
