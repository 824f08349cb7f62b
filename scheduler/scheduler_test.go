package scheduler

import (
	"testing"

	"github.com/nvidia/kvfleet/request"
)

func TestAddWaitingAndStepAdmits(t *testing.T) {
	s := New("inst-0", 4)
	r := &request.Request{ID: "r1"}
	s.AddWaiting(r)

	admitted := s.Step()
	if len(admitted) != 1 || admitted[0].ID != "r1" {
		t.Fatalf("expected r1 to be admitted, got %v", admitted)
	}
	if r.Status != request.Running {
		t.Fatalf("expected Running status, got %v", r.Status)
	}
	if got := s.NumFreeBlocks(); got != 3 {
		t.Fatalf("expected 3 free blocks after admitting one request, got %d", got)
	}
}

func TestStepBlocksOnInsufficientCapacity(t *testing.T) {
	s := New("inst-0", 1)
	r1 := &request.Request{ID: "r1"}
	r2 := &request.Request{ID: "r2"}
	s.AddWaiting(r1)
	s.AddWaiting(r2)

	admitted := s.Step()
	if len(admitted) != 1 {
		t.Fatalf("expected exactly one admission with only 1 free block, got %d", len(admitted))
	}
	if s.NumFreeBlocks() != 0 {
		t.Fatalf("expected 0 free blocks, got %d", s.NumFreeBlocks())
	}
}

func TestPreAllocInsufficientFailsFast(t *testing.T) {
	s := New("inst-0", 2)
	_, err := s.PreAlloc("mig-req", request.Running, 0, 3, nil)
	if err == nil {
		t.Fatal("expected PreAlloc to fail when requesting more blocks than exist")
	}
}

func TestCommitMigratedInPromotesReservation(t *testing.T) {
	s := New("inst-0", 4)
	tbl, err := s.PreAlloc("r1", request.RunningMigrating, 0, 2, []int32{1, 2})
	if err != nil {
		t.Fatalf("PreAlloc: %v", err)
	}
	if len(tbl) != 2 {
		t.Fatalf("expected 2 reserved blocks, got %d", len(tbl))
	}
	r := &request.Request{ID: "r1", Status: request.RunningMigrating}
	if err := s.CommitMigratedIn(r); err != nil {
		t.Fatalf("CommitMigratedIn: %v", err)
	}
	if r.Status != request.Running {
		t.Fatalf("expected Running after commit, got %v", r.Status)
	}
	if len(r.BlockTable) != 2 {
		t.Fatalf("expected committed request to own the reserved blocks, got %v", r.BlockTable)
	}
}

func TestCommitMigratedInRespectsWaitingStatus(t *testing.T) {
	s := New("inst-0", 4)
	if _, err := s.PreAlloc("r2", request.WaitingMigrating, 5, 2, []int32{1}); err != nil {
		t.Fatalf("PreAlloc: %v", err)
	}
	r := &request.Request{ID: "r2", Status: request.WaitingMigrating}
	if err := s.CommitMigratedIn(r); err != nil {
		t.Fatalf("CommitMigratedIn: %v", err)
	}
	if r.Status != request.Waiting {
		t.Fatalf("expected Waiting after commit for a WaitingMigrating reservation, got %v", r.Status)
	}
	admitted := s.Step()
	found := false
	for _, a := range admitted {
		if a.ID == "r2" {
			found = true
		}
	}
	if !found {
		t.Fatal("expected r2 to be admissible from the waiting queue after commit")
	}
}

func TestFreePreAllocReleasesBlocks(t *testing.T) {
	s := New("inst-0", 2)
	if _, err := s.PreAlloc("r1", request.Running, 0, 2, nil); err != nil {
		t.Fatalf("PreAlloc: %v", err)
	}
	if s.NumFreeBlocks() != 0 {
		t.Fatalf("expected reservation to consume all blocks")
	}
	s.FreePreAlloc("r1")
	if s.NumFreeBlocks() != 2 {
		t.Fatalf("expected FreePreAlloc to release blocks, got %d free", s.NumFreeBlocks())
	}
}

func TestFreePreAllocReleaseAll(t *testing.T) {
	s := New("inst-0", 4)
	if _, err := s.PreAlloc("r1", request.Running, 0, 2, nil); err != nil {
		t.Fatalf("PreAlloc: %v", err)
	}
	if _, err := s.PreAlloc("r2", request.Running, 0, 2, nil); err != nil {
		t.Fatalf("PreAlloc: %v", err)
	}
	s.FreePreAlloc("")
	if s.NumFreeBlocks() != 4 {
		t.Fatalf("expected FreePreAlloc(\"\") to release every reservation, got %d free", s.NumFreeBlocks())
	}
}

func TestRemoveRunningRequestKeepsBlocksReserved(t *testing.T) {
	s := New("inst-0", 2)
	r := &request.Request{ID: "r1"}
	s.AddWaiting(r)
	s.Step()
	if s.NumFreeBlocks() != 1 {
		t.Fatalf("expected 1 free block after admitting r1, got %d", s.NumFreeBlocks())
	}
	if !s.RemoveRunningRequest("r1") {
		t.Fatal("expected RemoveRunningRequest to report removal")
	}
	if s.NumFreeBlocks() != 1 {
		t.Fatalf("expected blocks to stay reserved after RemoveRunningRequest, got %d free", s.NumFreeBlocks())
	}
	if s.RemoveRunningRequest("r1") {
		t.Fatal("expected second removal to report false")
	}
}

func TestShouldAbortMigrationOnMissingRequest(t *testing.T) {
	s := New("inst-0", 2)
	r := &request.Request{ID: "r1"}
	s.AddWaiting(r)
	s.Step()
	if s.ShouldAbortMigration(r, r.ArrivalTimestamp) {
		t.Fatal("expected ShouldAbortMigration to be false while request is still running with a matching timestamp")
	}
	s.RemoveRunningRequest("r1")
	if !s.ShouldAbortMigration(r, r.ArrivalTimestamp) {
		t.Fatal("expected ShouldAbortMigration to be true once the request is no longer running")
	}
}

func TestGetRequestIncrementalBlocksMarksLastStage(t *testing.T) {
	s := New("inst-0", 4)
	r := &request.Request{ID: "r1"}
	s.AddWaiting(r)
	s.Step()

	inc, _, isLast := s.GetRequestIncrementalBlocks(r, 0, 4)
	if len(inc) != len(r.BlockTable) {
		t.Fatalf("expected the full table as the first increment, got %v", inc)
	}
	if !isLast {
		t.Fatal("expected a small increment under a generous lastStageMaxBlocks to be the last stage")
	}
}
