package e2e

import (
	"context"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/nvidia/kvfleet/cluster/meta"
	"github.com/nvidia/kvfleet/config"
	"github.com/nvidia/kvfleet/coordinator"
	"github.com/nvidia/kvfleet/engine"
	"github.com/nvidia/kvfleet/migration"
	"github.com/nvidia/kvfleet/migrationdriver"
	"github.com/nvidia/kvfleet/migrationworker"
	"github.com/nvidia/kvfleet/request"
	"github.com/nvidia/kvfleet/scheduler"
)

var _ = Describe("dispatch across instances", func() {
	var coord *coordinator.Coordinator

	BeforeEach(func() {
		var err error
		coord, err = coordinator.New(config.Default())
		Expect(err).NotTo(HaveOccurred())
		DeferCleanup(func() { _ = coord.Close() })
	})

	It("routes a new request to the least-loaded instance", func() {
		busy := scheduler.New("busy", 8)
		idle := scheduler.New("idle", 8)
		coord.ScaleUp(coordinator.InstanceRef{ID: "busy"}, busy, nil, nil, false)
		coord.ScaleUp(coordinator.InstanceRef{ID: "idle"}, idle, nil, nil, false)

		for i := 0; i < 4; i++ {
			busy.AddWaiting(&request.Request{ID: "seed"})
		}
		busy.Step()

		ref, err := coord.Generate(context.Background(), &request.Request{})
		Expect(err).NotTo(HaveOccurred())
		Expect(ref.ID).To(Equal("idle"))
	})

	It("schedules exactly one group rebuild per membership change even under churn", func() {
		coord.ScaleUp(coordinator.InstanceRef{ID: "a"}, scheduler.New("a", 4), nil, nil, false)
		coord.ScaleUp(coordinator.InstanceRef{ID: "b"}, scheduler.New("b", 4), nil, nil, false)
		Expect(coord.PendingRebuilds()).To(Equal(2))

		err := coord.RebuildGroupIfPending(context.Background(), "g0", 1)
		Expect(err).NotTo(HaveOccurred())
		Expect(coord.PendingRebuilds()).To(Equal(0))

		coord.ScaleDown("a")
		Expect(coord.PendingRebuilds()).To(Equal(1))
	})
})

var _ = Describe("single-request migration", func() {
	var (
		src, dst *migrationworker.Worker
		req      *request.Request
	)

	BeforeEach(func() {
		bt := newFakeTransport()
		src = migrationworker.New("inst-a", 0, 1, bt)
		dst = migrationworker.New("inst-b", 1, 1, bt)
		group := (&meta.GroupMD{}).Bump("g1", []string{"inst-a", "inst-b"}, 1)
		Expect(src.RebuildMigrationBackend(context.Background(), group)).To(Succeed())
		Expect(dst.RebuildMigrationBackend(context.Background(), group)).To(Succeed())
		req = &request.Request{ID: "req-1", Status: request.Running, TokenIDs: []int32{1, 2, 3}}
	})

	It("reaches DONE and hands the request to the destination", func() {
		var committed *request.Request
		var launched sync.WaitGroup
		launched.Add(1)

		d := migrationdriver.New(req, migration.Pair{Src: "inst-a", Dst: "inst-b"}, src, dst,
			func(ctx context.Context, r *request.Request, stage int) (migration.TransferPlan, error) {
				return migration.TransferPlan{RequestID: r.ID, IsLastStage: true}, nil
			},
			migrationdriver.Callbacks{OnCommitted: func(r *request.Request) { committed = r }},
		)
		go d.Run(context.Background(), &launched)
		launched.Wait()
		d.WaitRunning()

		Eventually(d.Stage, time.Second).Should(Equal(migration.Done))
		Expect(committed).NotTo(BeNil())
		Expect(committed.ID).To(Equal("req-1"))
	})

	It("restores the request to Running when a stage fails before committing", func() {
		var aborted *request.Request
		var launched sync.WaitGroup
		launched.Add(1)

		failingStage := func(ctx context.Context, r *request.Request, stage int) (migration.TransferPlan, error) {
			return migration.TransferPlan{}, context.DeadlineExceeded
		}
		d := migrationdriver.New(req, migration.Pair{Src: "inst-a", Dst: "inst-b"}, src, dst, failingStage,
			migrationdriver.Callbacks{OnAborted: func(r *request.Request, cause error) { aborted = r }},
		)
		go d.Run(context.Background(), &launched)
		launched.Wait()
		d.WaitRunning()

		Eventually(d.Stage, time.Second).Should(Equal(migration.Aborted))
		Expect(aborted).NotTo(BeNil())
		Expect(aborted.Status).To(Equal(request.Running))
		Expect(aborted.BlockingMigration).To(BeEmpty())
	})
})

var _ = Describe("pre-allocation admission control", func() {
	It("fails fast when the destination cannot reserve enough blocks", func() {
		dst := scheduler.New("inst-b", 2)
		_, err := dst.PreAlloc("req-x", request.Running, 0, 5, nil)
		Expect(err).To(HaveOccurred())
	})
})

var _ = Describe("coordinator-driven pair migration", func() {
	It("moves a running request off the busier instance through the production wiring", func() {
		bt := newFakeTransport()
		srcSched := scheduler.New("inst-a", 4)
		dstSched := scheduler.New("inst-b", 4)
		srcWorker := migrationworker.New("inst-a", 0, 1, bt)
		dstWorker := migrationworker.New("inst-b", 1, 1, bt)
		group := (&meta.GroupMD{}).Bump("g-pair", []string{"inst-a", "inst-b"}, 1)
		Expect(srcWorker.RebuildMigrationBackend(context.Background(), group)).To(Succeed())
		Expect(dstWorker.RebuildMigrationBackend(context.Background(), group)).To(Succeed())

		srcEng := engine.New("inst-a", srcSched, nil)
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		go srcEng.Run(ctx)

		coord, err := coordinator.New(config.Default())
		Expect(err).NotTo(HaveOccurred())
		DeferCleanup(func() { _ = coord.Close() })

		coord.ScaleUp(coordinator.InstanceRef{ID: "inst-a"}, srcSched, srcEng, []*migrationworker.Worker{srcWorker}, false)
		coord.ScaleUp(coordinator.InstanceRef{ID: "inst-b"}, dstSched, nil, []*migrationworker.Worker{dstWorker}, false)

		req1 := &request.Request{ID: "req-mig-1", TokenIDs: []int32{1, 2, 3}}
		req2 := &request.Request{ID: "req-mig-2", TokenIDs: []int32{1, 2, 3}}
		srcSched.AddWaiting(req1)
		srcSched.AddWaiting(req2)
		srcSched.Step()
		dstSched.Step() // publishes dst's (empty) load snapshot too

		Expect(srcSched.NumFreeBlocks()).To(Equal(2))
		Expect(dstSched.NumFreeBlocks()).To(Equal(4))

		Expect(coord.TriggerPairMigration(context.Background(), migration.NoConstraints)).To(Succeed())

		Eventually(dstSched.NumFreeBlocks, 2*time.Second).Should(Equal(3))
		Expect(srcSched.NumFreeBlocks()).To(Equal(3), "the migrated request's block is released on src once it lands on dst")
	})
})

var _ = Describe("tensor-parallel reshape validation", func() {
	It("rejects a migration between non-integer-multiple TP degrees before any transport call", func() {
		bt := newFakeTransport()
		src := migrationworker.New("inst-a", 0, 3, bt)
		group := (&meta.GroupMD{}).Bump("g2", []string{"inst-a"}, 3)
		Expect(src.RebuildMigrationBackend(context.Background(), group)).To(Succeed())

		err := src.MigrateCache(context.Background(), 1, 8, []migration.TransferPlan{{RequestID: "req-y", IsLastStage: true}})
		Expect(err).To(HaveOccurred())
	})
})
