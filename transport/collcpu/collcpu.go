// Package collcpu implements the collective-CPU BlockTransport variant:
// a ring/broadcast exchange over host memory, the stand-in for the
// upstream system's gloo collective backend.
package collcpu

import (
	"context"

	"github.com/nvidia/kvfleet/migration"
	"github.com/nvidia/kvfleet/transport"
)

type Backend struct {
	reg *transport.Registry
}

func New(reg *transport.Registry) *Backend {
	return &Backend{reg: reg}
}

func (b *Backend) Name() string { return "gloo" }

func (b *Backend) EnsureGroup(ctx context.Context, groupName string, ranks []int) error {
	return b.reg.EnsureGroup(ctx, groupName, ranks)
}

func (b *Backend) Warmup(ctx context.Context, groupName string, ranks []int) error {
	return b.reg.Warmup(ctx, groupName, ranks)
}

func (b *Backend) DestroyGroup(_ context.Context, groupName string) error {
	b.reg.Drop(groupName)
	return nil
}

func (b *Backend) Send(ctx context.Context, groupName string, dstRank int, plan migration.TransferPlan, addTP bool) error {
	return transport.SendViaRegistry(ctx, b.reg, groupName, dstRank, plan, addTP)
}

func (b *Backend) Recv(ctx context.Context, groupName string, localRank int, plan migration.TransferPlan, addTP bool) error {
	return transport.RecvViaRegistry(ctx, b.reg, groupName, localRank, plan, addTP)
}
