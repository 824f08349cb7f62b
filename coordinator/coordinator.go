// Package coordinator implements the GlobalCoordinator: dispatch,
// periodic polling, pair-migration policy, scale up/down, and group
// rebuild across all instances in the deployment.
package coordinator

import (
	"context"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nvidia/kvfleet/cluster/meta"
	"github.com/nvidia/kvfleet/config"
	"github.com/nvidia/kvfleet/coordinator/reqmap"
	"github.com/nvidia/kvfleet/engine"
	"github.com/nvidia/kvfleet/idgen"
	"github.com/nvidia/kvfleet/instanceinfo"
	"github.com/nvidia/kvfleet/internal/actor"
	"github.com/nvidia/kvfleet/internal/cmn/errs"
	"github.com/nvidia/kvfleet/internal/nlog"
	"github.com/nvidia/kvfleet/migration"
	"github.com/nvidia/kvfleet/migrationdriver"
	"github.com/nvidia/kvfleet/migrationworker"
	"github.com/nvidia/kvfleet/request"
	"github.com/nvidia/kvfleet/scheduler"
)

// InstanceRef is the stable logical identity of an instance: a string
// id plus, under prefill/decode disaggregation, its bound engine id. The
// instance's workers (and their ranks) are looked up through the
// coordinator's table instead of an embedded actor handle.
type InstanceRef struct {
	ID             string
	EngineDisaggID string // bound when prefill/decode disaggregation is active
}

type instanceHandle struct {
	ref      InstanceRef
	sched    *scheduler.Scheduler
	eng      *engine.Engine
	workers  []*migrationworker.Worker
	lastInfo *instanceinfo.InstanceInfo
	decoding bool // true if this instance serves the decode role under disaggregation
	migrating bool // true while this instance is a src or dst of an in-flight pair migration
}

// Coordinator is the single-writer control-plane actor: every method
// that touches c.instances/c.group/c.pendingRebuilds/c.fallbackRR runs
// as a job on c.mb, so no two calls ever race on that state regardless
// of which goroutine calls in, matching the upstream Manager's
// single-threaded model without requiring every caller to agree on a
// lock discipline by convention alone.
type Coordinator struct {
	cfg *config.ManagerConfig

	mb *actor.Mailbox

	instances map[string]*instanceHandle

	reqMap *reqmap.Map

	group *meta.GroupMD

	pendingRebuilds int // mirrors pending_rebuild_migration_instances

	fallbackRR int // round-robin cursor for DirectDispatchFallback
}

func New(cfg *config.ManagerConfig) (*Coordinator, error) {
	rm, err := reqmap.New()
	if err != nil {
		return nil, err
	}
	c := &Coordinator{
		cfg:       cfg,
		instances: make(map[string]*instanceHandle),
		reqMap:    rm,
		mb:        actor.NewMailbox(256),
	}
	go c.mb.Run(context.Background())
	return c, nil
}

func (c *Coordinator) Close() error {
	c.mb.Stop()
	return c.reqMap.Close()
}

// call runs fn on the coordinator's own actor goroutine and blocks
// until it has executed, so every touch of c's instance table, group,
// and counters is serialized through one drain loop.
func call[T any](c *Coordinator, fn func() (T, error)) (T, error) {
	return actor.Call(context.Background(), c.mb, fn)
}

// ScaleUp registers a new instance and schedules a group rebuild; if a
// rebuild is already pending, membership deltas accumulate and the
// existing rebuild covers them instead of triggering a second one.
func (c *Coordinator) ScaleUp(ref InstanceRef, sched *scheduler.Scheduler, eng *engine.Engine, workers []*migrationworker.Worker, decoding bool) {
	_, _ = call(c, func() (struct{}, error) {
		h := &instanceHandle{ref: ref, sched: sched, eng: eng, workers: workers, decoding: decoding}
		c.instances[ref.ID] = h
		sched.Subscribe(func(u instanceinfo.Update) {
			// Runs on the scheduler's own goroutine, not the
			// coordinator's actor goroutine, so hop over via Cast;
			// an eventually-consistent load signal is fine here and
			// a blocking Call would couple two actors' step rates.
			_ = c.mb.Cast(func() { h.lastInfo = u.Info })
		})
		c.scheduleRebuildLocked()
		return struct{}{}, nil
	})
	nlog.Infoln("coordinator: scaled up", ref.ID)
}

// ScaleDown deregisters an instance and schedules a group rebuild (the
// caller is responsible for actually tearing down the instance's
// process). Requests the request map still associates with the instance
// are not aborted; their entries stay until the next request-map clear.
func (c *Coordinator) ScaleDown(instanceID string) {
	_, _ = call(c, func() (struct{}, error) {
		delete(c.instances, instanceID)
		c.scheduleRebuildLocked()
		return struct{}{}, nil
	})
	nlog.Infoln("coordinator: scaled down", instanceID)
}

// scheduleRebuildLocked must only be called from a job running on c.mb.
func (c *Coordinator) scheduleRebuildLocked() {
	c.pendingRebuilds++
}

// RebuildGroupIfPending recomputes rank assignments for all live
// instances, clears the pending-rebuild counter, and then pushes the new
// GroupMD to every worker. Called from the poll loop rather than
// synchronously from ScaleUp/ScaleDown so bursts of membership churn
// coalesce into one rebuild.
func (c *Coordinator) RebuildGroupIfPending(ctx context.Context, groupName string, tpSize int) error {
	type snapshot struct {
		handles  []*instanceHandle
		newGroup *meta.GroupMD
		pending  bool
	}
	snap, _ := call(c, func() (snapshot, error) {
		if c.pendingRebuilds == 0 {
			return snapshot{}, nil
		}
		ids := make([]string, 0, len(c.instances))
		handles := make([]*instanceHandle, 0, len(c.instances))
		for id, h := range c.instances {
			ids = append(ids, id)
			handles = append(handles, h)
		}
		sort.Strings(ids)
		newGroup := c.group.Bump(groupName, ids, tpSize)
		c.group = newGroup
		c.pendingRebuilds = 0
		return snapshot{handles: handles, newGroup: newGroup, pending: true}, nil
	})
	if !snap.pending {
		return nil
	}
	handles, newGroup := snap.handles, snap.newGroup

	g, ctx := errgroup.WithContext(ctx)
	for _, h := range handles {
		h := h
		for _, w := range h.workers {
			w := w
			g.Go(func() error {
				return w.RebuildMigrationBackend(ctx, newGroup)
			})
		}
	}
	return g.Wait()
}

// Generate dispatches a new request to an instance, choosing the
// least-loaded candidate by waiting plus running request count in its
// last published snapshot. Under prefill/decode
// disaggregation the request is bound to a decode instance id in the
// request map even though the prefill instance runs the first steps,
// reconstructing the upstream dual-dispatch behavior.
func (c *Coordinator) Generate(ctx context.Context, req *request.Request) (InstanceRef, error) {
	if req.ID == "" {
		req.ID = idgen.NewRequestID()
	}
	type picked struct{ target, decodeTarget *instanceHandle }
	p, _ := call(c, func() (picked, error) {
		t, d := c.pickLeastLoadedLocked()
		return picked{target: t, decodeTarget: d}, nil
	})
	target, decodeTarget := p.target, p.decodeTarget

	if target == nil {
		return InstanceRef{}, errs.New(errs.KindRemoteDead, "no instances available")
	}
	target.sched.AddWaiting(req)

	bindID := target.ref.ID
	if decodeTarget != nil {
		bindID = decodeTarget.ref.ID
	}
	if err := c.reqMap.Put(req.ID, bindID); err != nil {
		return InstanceRef{}, err
	}
	return target.ref, nil
}

func (c *Coordinator) pickLeastLoadedLocked() (best, bestDecode *instanceHandle) {
	bestLoad := -1
	for _, h := range c.instances {
		load := 0
		if h.lastInfo != nil {
			load = h.lastInfo.NumWaitingRequests + h.lastInfo.NumRunningRequests
		}
		if bestLoad == -1 || load < bestLoad {
			bestLoad = load
			best = h
		}
		if h.decoding && (bestDecode == nil) {
			bestDecode = h
		}
	}
	return best, bestDecode
}

// DirectDispatchFallback is used by callers when the coordinator RPC
// itself is unreachable: it round-robins across the last known
// instance set rather than failing the request outright, mirroring the
// upstream client's manager-unavailable fallback path.
func (c *Coordinator) DirectDispatchFallback(knownInstances []InstanceRef) (InstanceRef, error) {
	if len(knownInstances) == 0 {
		return InstanceRef{}, errs.New(errs.KindRemoteDead, "no known instances for direct dispatch")
	}
	idx, _ := call(c, func() (int, error) {
		i := c.fallbackRR % len(knownInstances)
		c.fallbackRR++
		return i, nil
	})
	return knownInstances[idx], nil
}

// Abort removes req from the request map and fans out an abort only to
// instances the cuckoo filter says might still hold it.
func (c *Coordinator) Abort(ctx context.Context, requestID string) error {
	instanceID, found := c.reqMap.Get(requestID)
	if !found {
		return nil
	}
	c.reqMap.Delete(requestID)

	h, _ := call(c, func() (*instanceHandle, error) {
		return c.instances[instanceID], nil
	})
	if h == nil || !c.reqMap.MayHaveRequests(instanceID) {
		return nil
	}
	h.sched.RemoveMigratedOut(requestID)
	return nil
}

// NextPair selects the next migration source/destination pair using
// the simplest viable policy: the instance with the most running
// requests is the source and the one with the fewest is the destination,
// honoring the given constraint (no cross prefill/decode role swap). No
// pair is returned unless their running counts differ by at least 2. It
// does not choose which request moves.
func (c *Coordinator) NextPair(constraint migration.Constraint) (migration.Pair, bool) {
	type result struct {
		pair migration.Pair
		ok   bool
	}
	r, _ := call(c, func() (result, error) {
		pair, ok := c.nextPairLocked(constraint)
		return result{pair: pair, ok: ok}, nil
	})
	return r.pair, r.ok
}

func (c *Coordinator) nextPairLocked(constraint migration.Constraint) (migration.Pair, bool) {
	var most, least *instanceHandle
	mostLoad, leastLoad := -1, -1
	for _, h := range c.instances {
		if h.lastInfo == nil || h.migrating {
			continue
		}
		load := h.lastInfo.NumRunningRequests
		if eligibleAsSrc(constraint, h.decoding) && load > mostLoad {
			mostLoad, most = load, h
		}
		if eligibleAsDst(constraint, h.decoding) && (leastLoad == -1 || load < leastLoad) {
			leastLoad, least = load, h
		}
	}
	if most == nil || least == nil || most.ref.ID == least.ref.ID {
		return migration.Pair{}, false
	}
	if mostLoad-leastLoad < 2 {
		return migration.Pair{}, false
	}
	return migration.Pair{Src: most.ref.ID, Dst: least.ref.ID, Constraint: constraint}, true
}

// eligibleAsSrc/eligibleAsDst encode the constraint table from the
// migration pair's role policy: NoConstraints permits any pairing,
// Prefill2Decode requires the source be a prefill (non-decoding)
// instance and the destination a decode instance, and Decode2Decode
// requires both sides be decode instances.
func eligibleAsSrc(c migration.Constraint, decoding bool) bool {
	switch c {
	case migration.Prefill2Decode:
		return !decoding
	case migration.Decode2Decode:
		return decoding
	default:
		return true
	}
}

func eligibleAsDst(c migration.Constraint, decoding bool) bool {
	switch c {
	case migration.Prefill2Decode, migration.Decode2Decode:
		return decoding
	default:
		return true
	}
}

func (c *Coordinator) markMigratingLocked(srcID, dstID string) {
	if h, ok := c.instances[srcID]; ok {
		h.migrating = true
	}
	if h, ok := c.instances[dstID]; ok {
		h.migrating = true
	}
}

func (c *Coordinator) clearMigratingLocked(srcID, dstID string) {
	if h, ok := c.instances[srcID]; ok {
		h.migrating = false
	}
	if h, ok := c.instances[dstID]; ok {
		h.migrating = false
	}
}

type migrationLaunch struct {
	ok   bool
	pair migration.Pair
	req  *request.Request
	src  *instanceHandle
	dst  *instanceHandle
}

// TriggerPairMigration runs one round of the pair-migration policy:
// select a pair and a candidate request under the coordinator's lock,
// mark both instances migrating so neither is reselected mid-flight,
// then launch a MigrationDriver for that request and return once it is
// running; the migration finishes in the background. A nil
// pair, no eligible candidate, or either side missing its worker set is
// a quiet no-op, matching _push_migrations skipping a round with
// nothing to do.
func (c *Coordinator) TriggerPairMigration(ctx context.Context, constraint migration.Constraint) error {
	launch, _ := call(c, func() (migrationLaunch, error) {
		pair, ok := c.nextPairLocked(constraint)
		if !ok {
			return migrationLaunch{}, nil
		}
		src, dst := c.instances[pair.Src], c.instances[pair.Dst]
		if src == nil || dst == nil || len(src.workers) == 0 || len(dst.workers) == 0 {
			return migrationLaunch{}, nil
		}
		req := src.sched.PickMigrationCandidate()
		if req == nil {
			return migrationLaunch{}, nil
		}
		c.markMigratingLocked(pair.Src, pair.Dst)
		return migrationLaunch{ok: true, pair: pair, req: req, src: src, dst: dst}, nil
	})
	if !launch.ok {
		return nil
	}

	stageFn := c.buildStageTransferFunc(launch.src.sched, launch.dst.sched, launch.src.eng)
	cb := c.buildMigrationCallbacks(launch)

	d := migrationdriver.New(launch.req, launch.pair, launch.src.workers[0], launch.dst.workers[0], stageFn, cb)
	var launched sync.WaitGroup
	launched.Add(1)
	go d.Run(ctx, &launched)
	launched.Wait()
	d.WaitRunning()
	return nil
}

// buildStageTransferFunc closes over the pair's two schedulers and the
// source engine to produce the per-stage TransferPlan, mirroring the
// MigrationDriver algorithm's steps 3-5: pull the next block delta from
// src, reserve matching space on dst, and pull the request off src's
// running queue via the step-boundary protocol just ahead of the last
// stage.
func (c *Coordinator) buildStageTransferFunc(srcSched, dstSched *scheduler.Scheduler, srcEng *engine.Engine) migrationdriver.StageTransferFunc {
	lastStageMaxBlocks := c.cfg.Migration.LastStageMaxBlocks
	preStage := 0

	return func(ctx context.Context, req *request.Request, stage int) (migration.TransferPlan, error) {
		if srcSched.ShouldAbortMigration(req, req.ArrivalTimestamp) {
			return migration.TransferPlan{}, errs.ErrRequestFinishedMidMigration(req.ID)
		}

		incBlocks, incTokens, isLastStage := srcSched.GetRequestIncrementalBlocks(req, preStage, lastStageMaxBlocks)
		preStage += len(incBlocks)

		dstBlocks, err := dstSched.PreAlloc(req.ID, req.Status, req.ExpectedSteps, len(incBlocks), incTokens)
		if err != nil {
			return migration.TransferPlan{}, err
		}

		if isLastStage {
			if srcEng != nil {
				removed, err := srcEng.EnqueueRemoval(ctx, req.ID, true)
				if err != nil {
					return migration.TransferPlan{}, err
				}
				if !removed {
					return migration.TransferPlan{}, errs.ErrRequestFinishedMidMigration(req.ID)
				}
			} else {
				srcSched.RemoveRunningRequest(req.ID)
			}
			srcSched.AddMigratingOutRequestLastStage(req)
		}

		return migration.TransferPlan{
			RequestID:   req.ID,
			SrcBlocks:   incBlocks,
			DstBlocks:   dstBlocks,
			IsLastStage: isLastStage,
		}, nil
	}
}

// buildMigrationCallbacks wires the driver's terminal transitions back
// into scheduler bookkeeping and the request map, and clears the
// instance_migrating flags set by TriggerPairMigration once the
// migration resolves either way.
func (c *Coordinator) buildMigrationCallbacks(launch migrationLaunch) migrationdriver.Callbacks {
	srcID, dstID := launch.pair.Src, launch.pair.Dst
	srcSched, dstSched := launch.src.sched, launch.dst.sched

	clear := func() {
		_, _ = call(c, func() (struct{}, error) {
			c.clearMigratingLocked(srcID, dstID)
			return struct{}{}, nil
		})
	}

	return migrationdriver.Callbacks{
		OnCommitted: func(dstReq *request.Request) {
			// The step-boundary removal already pulled the request out of
			// srcSched's running map, so RemoveMigratedOut's own lookup
			// would no-op; release the blocks from the snapshot the
			// last-stage bookkeeping entry still holds. This runs before
			// CommitMigratedIn, which replaces the (shared) request's
			// BlockTable with the destination's block ids.
			if snapshot, ok := srcSched.PopMigratingOutRequestLastStage(dstReq.ID); ok {
				srcSched.ReleaseBlocks(snapshot.BlockTable)
			} else {
				srcSched.RemoveMigratedOut(dstReq.ID)
			}
			if err := dstSched.CommitMigratedIn(dstReq); err != nil {
				nlog.Errorln("coordinator: commit migrated-in request", dstReq.ID, "failed:", err)
			}
			if err := c.reqMap.Put(dstReq.ID, dstID); err != nil {
				nlog.Errorln("coordinator: request map update for", dstReq.ID, "failed:", err)
			}
			clear()
			nlog.Infoln("coordinator:", srcID, "->", dstID, "migrated request", dstReq.ID)
		},
		OnAborted: func(req *request.Request, cause error) {
			dstSched.FreePreAlloc(req.ID)
			// RestoreMigratingOut checks the last-stage bookkeeping entry
			// itself when the step-boundary removal already ran; do not
			// pop it first or there is nothing left to restore from.
			srcSched.RestoreMigratingOut(req.ID)
			clear()
			nlog.Warningln("coordinator:", srcID, "->", dstID, "migration of", req.ID, "aborted:", cause)
		},
	}
}

// pushMigrations fires off one TriggerPairMigration round per
// applicable constraint in the background, matching the upstream
// manager's fire-and-forget asyncio.create_task(migrate(...)): the poll
// loop does not wait for a migration to finish before its next tick.
func (c *Coordinator) pushMigrations(ctx context.Context) {
	if !c.cfg.EnableMigration {
		return
	}
	constraints := []migration.Constraint{migration.NoConstraints}
	if c.cfg.EnablePDDisagg {
		constraints = []migration.Constraint{migration.Prefill2Decode, migration.Decode2Decode}
	}
	for _, constraint := range constraints {
		constraint := constraint
		go func() {
			if err := c.TriggerPairMigration(ctx, constraint); err != nil {
				nlog.Warningln("coordinator: pair migration push failed:", err)
			}
		}()
	}
}

// RunPollLoop drives the coordinator's periodic duties at
// PollingInterval: group rebuild every tick, pair-migration push every
// PairMigrationFrequency ticks, mirroring _poll_instance_info_loop's
// split cadence between cheap info polling and costlier migration pushes.
func (c *Coordinator) RunPollLoop(ctx context.Context, groupName string, tpSize int) {
	interval := c.cfg.PollingInterval
	if interval <= 0 {
		interval = time.Second
	}
	freq := c.cfg.PairMigrationFrequency
	if freq <= 0 {
		freq = 1
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for tick := 0; ; tick++ {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := c.RebuildGroupIfPending(ctx, groupName, tpSize); err != nil {
				nlog.Errorln("coordinator: group rebuild failed:", err)
			}
			if tick%freq == 0 {
				c.pushMigrations(ctx)
			}
		}
	}
}

// PollOnce runs one group rebuild if one is pending. It does not sweep
// the request map; RunClearRequestMapLoop does that on its own interval.
func (c *Coordinator) PollOnce(ctx context.Context, groupName string, tpSize int) error {
	return c.RebuildGroupIfPending(ctx, groupName, tpSize)
}

// RunClearRequestMapLoop periodically clears the request map on the
// configured interval, matching CLEAR_REQUEST_INSTANCE_INTERVAL.
func (c *Coordinator) RunClearRequestMapLoop(ctx context.Context) {
	interval := c.cfg.ClearRequestInstanceInterval
	if interval <= 0 {
		interval = time.Second
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := c.reqMap.ClearAll(); err != nil {
				nlog.Errorln("coordinator: request map clear failed:", err)
			}
		}
	}
}

func (c *Coordinator) InstanceCount() int {
	n, _ := call(c, func() (int, error) { return len(c.instances), nil })
	return n
}

func (c *Coordinator) PendingRebuilds() int {
	n, _ := call(c, func() (int, error) { return c.pendingRebuilds, nil })
	return n
}
