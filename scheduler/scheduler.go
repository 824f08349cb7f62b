// Package scheduler implements the per-instance InstanceScheduler:
// waiting/running queues, the block table, pre-allocation reservations
// for incoming migrations, and migration bookkeeping.
package scheduler

import (
	"strconv"
	"sync"
	"time"

	"github.com/nvidia/kvfleet/block"
	"github.com/nvidia/kvfleet/instanceinfo"
	"github.com/nvidia/kvfleet/internal/cmn/errs"
	"github.com/nvidia/kvfleet/internal/debug"
	"github.com/nvidia/kvfleet/request"
)

// preAllocReservation carries the fuller reservation context pre_alloc
// takes in: the blocks themselves plus enough of the incoming request's
// shape that commit_dst_request can install it without a second RPC back
// to the source.
type preAllocReservation struct {
	blocks        block.Table
	status        request.Status
	expectedSteps int
	tokenIDs      []int32
}

type Scheduler struct {
	instanceID string
	numBlocks  int

	mu                     sync.Mutex
	waiting                []*request.Request
	running                map[string]*request.Request
	freeBlocks             map[block.ID]struct{}
	allBlocks              []block.ID
	preAllocs              map[string]preAllocReservation // reqID -> reserved blocks, not yet committed
	migratingOutLastStage  map[string]*request.Request    // requests whose last-stage transfer is in flight
	pub                    instanceinfo.Publisher
}

func New(instanceID string, numBlocks int) *Scheduler {
	s := &Scheduler{
		instanceID:            instanceID,
		numBlocks:             numBlocks,
		running:               make(map[string]*request.Request),
		freeBlocks:            make(map[block.ID]struct{}, numBlocks),
		allBlocks:             make([]block.ID, numBlocks),
		preAllocs:             make(map[string]preAllocReservation),
		migratingOutLastStage: make(map[string]*request.Request),
	}
	for i := 0; i < numBlocks; i++ {
		id := block.ID(i)
		s.allBlocks[i] = id
		s.freeBlocks[id] = struct{}{}
	}
	return s
}

func (s *Scheduler) Subscribe(sub instanceinfo.Subscriber) {
	s.pub.Subscribe(sub)
}

// AddWaiting admits a freshly-arrived or locally-generated request into
// the waiting queue.
func (s *Scheduler) AddWaiting(r *request.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r.Status = request.Waiting
	s.waiting = append(s.waiting, r)
}

// AddRunningRequest admits r directly into the running queue, bypassing
// admission control; used by commit_dst_request's running-queue path and
// by any caller that already holds blocks for r (e.g. a restored
// migration).
func (s *Scheduler) AddRunningRequest(r *request.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.addRunningLocked(r)
	s.publishLocked()
}

func (s *Scheduler) addRunningLocked(r *request.Request) {
	r.Status = request.Running
	s.running[r.ID] = r
}

// NumFreeBlocks reports how many physical blocks are neither assigned
// to a running request nor held by a pending pre-allocation.
func (s *Scheduler) NumFreeBlocks() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.freeBlocks)
}

// allocate pulls n free blocks (caller holds s.mu).
func (s *Scheduler) allocate(n int) (block.Table, bool) {
	if len(s.freeBlocks) < n {
		return nil, false
	}
	out := make(block.Table, 0, n)
	for id := range s.freeBlocks {
		if len(out) == n {
			break
		}
		out = append(out, id)
		delete(s.freeBlocks, id)
	}
	return out, true
}

func (s *Scheduler) release(tbl block.Table) {
	for _, id := range tbl {
		s.freeBlocks[id] = struct{}{}
	}
}

// Step pulls from waiting into running up to the free-block budget;
// returns the set of requests newly admitted this step, for the engine
// to seed into its step loop.
func (s *Scheduler) Step() []*request.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	var admitted []*request.Request
	remaining := s.waiting[:0:0]
	for _, r := range s.waiting {
		needed := 1 // one block minimum to start prefill
		tbl, ok := s.allocate(needed)
		if !ok {
			remaining = append(remaining, r)
			continue
		}
		debug.Assert(block.Disjoint(tbl, r.BlockTable), "newly allocated blocks overlap existing table")
		r.BlockTable = append(r.BlockTable, tbl...)
		s.addRunningLocked(r)
		admitted = append(admitted, r)
	}
	s.waiting = remaining
	s.publishLocked()
	return admitted
}

// GetRequestIncrementalBlocks reports the blocks req has accumulated
// since preStageNumBlocks were last sent, alongside its full token id
// snapshot, and whether this delta should be treated as the migration's
// last stage: either because what remains fits within
// lastStageMaxBlocks, or because the request is already marked as
// blocked on a migration (e.g. a prior stage already committed to
// finishing).
func (s *Scheduler) GetRequestIncrementalBlocks(req *request.Request, preStageNumBlocks, lastStageMaxBlocks int) (block.Table, []int32, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.running[req.ID]
	if !ok {
		r = req
	}
	full := r.BlockTable
	if preStageNumBlocks < 0 {
		preStageNumBlocks = 0
	}
	if preStageNumBlocks > len(full) {
		preStageNumBlocks = len(full)
	}
	incBlocks := append(block.Table(nil), full[preStageNumBlocks:]...)
	incTokens := append([]int32(nil), r.TokenIDs...)
	isLastStage := len(incBlocks) <= lastStageMaxBlocks || r.BlockingMigration != ""
	return incBlocks, incTokens, isLastStage
}

// PreAlloc reserves blockNum additional blocks for an incoming
// migration before any bytes move, so the transfer can fail fast with
// PreAllocInsufficient instead of partway through a stage. Called once
// per stage, it accumulates onto any existing reservation for reqID
// rather than replacing it, since a multi-stage migration reserves dst
// space incrementally alongside each incremental block delta from src;
// the returned table is only this call's newly reserved blocks.
// reqStatus/expectedSteps/tokenIDs are refreshed on every call so
// commit_dst_request can install the request without a second round
// trip back to the source.
func (s *Scheduler) PreAlloc(reqID string, reqStatus request.Status, expectedSteps, blockNum int, tokenIDs []int32) (block.Table, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tbl, ok := s.allocate(blockNum)
	if !ok {
		return nil, errs.ErrPreAllocInsufficient("need " + strconv.Itoa(blockNum) + " blocks")
	}
	res := s.preAllocs[reqID]
	res.blocks = append(res.blocks, tbl...)
	res.status = reqStatus
	res.expectedSteps = expectedSteps
	res.tokenIDs = append([]int32(nil), tokenIDs...)
	s.preAllocs[reqID] = res
	return tbl, nil
}

// FreePreAlloc releases a reservation that was never committed (abort
// path). An empty reqID releases every outstanding reservation, for a
// full teardown (e.g. instance scale-down).
func (s *Scheduler) FreePreAlloc(reqID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if reqID == "" {
		for id, res := range s.preAllocs {
			s.release(res.blocks)
			delete(s.preAllocs, id)
		}
		return
	}
	if res, ok := s.preAllocs[reqID]; ok {
		s.release(res.blocks)
		delete(s.preAllocs, reqID)
	}
}

// CommitMigratedIn promotes a pre-allocated reservation into a request
// installed on the running or waiting queue, depending on r.Status at
// the time pre_alloc was called for it: a request that was mid-prefill
// (WaitingMigrating) on the source goes back into the waiting queue
// rather than running, since it had not started decoding yet.
func (s *Scheduler) CommitMigratedIn(r *request.Request) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, ok := s.preAllocs[r.ID]
	if !ok {
		return errs.ErrRequestFinishedMidMigration(r.ID)
	}
	delete(s.preAllocs, r.ID)
	debug.Assert(block.Disjoint(res.blocks, r.BlockTable), "migrated-in reservation overlaps snapshot table")
	r.BlockTable = res.blocks
	r.BlockingMigration = ""

	if res.status == request.WaitingMigrating {
		r.Status = request.Waiting
		s.waiting = append(s.waiting, r)
	} else {
		s.addRunningLocked(r)
	}
	s.publishLocked()
	return nil
}

// MarkMigratingOut flips a running request to RunningMigrating and
// records the owning migration, so the engine's output filter drops its
// outputs. A request that is not in the running queue (including a
// waiting one) is left unchanged.
func (s *Scheduler) MarkMigratingOut(reqID, migrationID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.running[reqID]; ok {
		r.Status = request.RunningMigrating
		r.BlockingMigration = migrationID
	}
}

// ShouldAbortMigration reports whether req's migration must be
// abandoned because the request is no longer present on src (it
// finished or was otherwise removed since the migration started) or its
// arrival timestamp no longer matches what the migration started with,
// which signals the slot was reset and reassigned to a different
// generation of the same request id.
func (s *Scheduler) ShouldAbortMigration(req *request.Request, arrivalTSAtSrc time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.running[req.ID]
	if !ok {
		return true
	}
	return !r.ArrivalTimestamp.Equal(arrivalTSAtSrc)
}

// RemoveRunningRequest takes reqID off the running queue without
// releasing its blocks: the step-boundary removal protocol uses this to
// pull a request out from under the step loop ahead of its last-stage
// transfer, while the blocks it references stay reserved until
// ReleaseBlocks (free_src_request, applied to the last-stage snapshot)
// later releases them once the transfer has actually landed on the
// destination.
func (s *Scheduler) RemoveRunningRequest(reqID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.running[reqID]; !ok {
		return false
	}
	delete(s.running, reqID)
	s.publishLocked()
	return true
}

// RemoveWaitingRequest takes reqID off the waiting queue.
func (s *Scheduler) RemoveWaitingRequest(reqID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, r := range s.waiting {
		if r.ID == reqID {
			s.waiting = append(s.waiting[:i], s.waiting[i+1:]...)
			s.publishLocked()
			return true
		}
	}
	return false
}

// AddMigratingOutRequestLastStage records req as having its last-stage
// transfer in flight, so a concurrent scale-down/rebuild can tell this
// instance is not migration-quiescent yet.
func (s *Scheduler) AddMigratingOutRequestLastStage(req *request.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.migratingOutLastStage[req.ID] = req
}

// PopMigratingOutRequestLastStage removes and returns the last-stage
// bookkeeping entry for reqID, if any.
func (s *Scheduler) PopMigratingOutRequestLastStage(reqID string) (*request.Request, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.migratingOutLastStage[reqID]
	if ok {
		delete(s.migratingOutLastStage, reqID)
	}
	return r, ok
}

// FreeMigratingOutRequestsLastStage clears every outstanding last-stage
// bookkeeping entry, for an instance-wide teardown.
func (s *Scheduler) FreeMigratingOutRequestsLastStage() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id := range s.migratingOutLastStage {
		delete(s.migratingOutLastStage, id)
	}
}

// RemoveMigratedOut releases a request's blocks and removes it from
// running, whether because it finished naturally or because
// free_src_request is reclaiming them after a successful migration.
func (s *Scheduler) RemoveMigratedOut(reqID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.running[reqID]
	if !ok {
		return
	}
	s.release(r.BlockTable)
	delete(s.running, reqID)
	delete(s.migratingOutLastStage, reqID)
	s.publishLocked()
}

// RestoreMigratingOut reverts an in-flight-but-aborted outbound
// migration back to a normal running request.
func (s *Scheduler) RestoreMigratingOut(reqID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.running[reqID]; ok {
		r.Status = request.Running
		r.BlockingMigration = ""
		return
	}
	// The step-boundary removal already pulled it out of running; put it
	// back so the step loop resumes serving it.
	if r, ok := s.migratingOutLastStage[reqID]; ok {
		delete(s.migratingOutLastStage, reqID)
		r.Status = request.Running
		r.BlockingMigration = ""
		s.addRunningLocked(r)
	}
}

// ReleaseBlocks returns tbl's blocks to the free pool directly, for
// free_src_request callers that already hold the request's last known
// block table (e.g. from the popped last-stage bookkeeping entry) after
// the step-boundary removal has taken it out of the running map, so
// RemoveMigratedOut's own running-map lookup would otherwise no-op.
func (s *Scheduler) ReleaseBlocks(tbl block.Table) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.release(tbl)
	s.publishLocked()
}

// PickMigrationCandidate returns an arbitrary running, non-migrating
// request eligible to be chosen as a migration source, or nil if src has
// nothing eligible right now.
func (s *Scheduler) PickMigrationCandidate() *request.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.running {
		if !r.IsMigrating() {
			return r
		}
	}
	return nil
}

// MigratingRequestIDs returns the set of request ids currently mid
// migration, for the engine's output-filtering pass.
func (s *Scheduler) MigratingRequestIDs() map[string]struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]struct{})
	for id, r := range s.running {
		if r.IsMigrating() {
			out[id] = struct{}{}
		}
	}
	return out
}

func (s *Scheduler) publishLocked() {
	info := &instanceinfo.InstanceInfo{
		InstanceID:         s.instanceID,
		NumWaitingRequests: len(s.waiting),
		NumRunningRequests: len(s.running),
		NumFreeGPUBlocks:   len(s.freeBlocks),
		NumTotalGPUBlocks:  s.numBlocks,
	}
	if len(s.waiting) > 0 {
		info.NumBlocksFirstWaiting = len(s.waiting[0].BlockTable) + 1
	}
	for _, r := range s.waiting {
		info.NumBlocksAllWaiting += len(r.TokenIDs)
	}
	s.pub.Publish(info)
}
