// Package transport defines the BlockTransport contract implemented by
// the rpcshm, collcpu, and collgpu backend packages, plus the checksum
// helper all three share to verify a chunk survived the copy.
package transport

import (
	"context"

	"github.com/OneOfOne/xxhash"

	"github.com/nvidia/kvfleet/migration"
)

// Chunk is one tensor-parallel-reshape unit of a transfer: a
// contiguous run of bytes plus the (chunk_size, chunk_rank) coordinates
// needed to place it correctly on a destination with a different TP
// degree than the source.
type Chunk struct {
	Payload   []byte
	ChunkSize int
	ChunkRank int
	Checksum  uint64
}

func NewChunk(payload []byte, chunkSize, chunkRank int) Chunk {
	return Chunk{
		Payload:   payload,
		ChunkSize: chunkSize,
		ChunkRank: chunkRank,
		Checksum:  xxhash.Checksum64(payload),
	}
}

func (c Chunk) Verify() bool {
	return xxhash.Checksum64(c.Payload) == c.Checksum
}

// BlockTransport moves one stage's worth of KV-cache blocks between two
// workers identified by rank within a migration group. AddTP reports a
// fan-out split (destination TP degree >= source), a false value a
// fan-in merge.
type BlockTransport interface {
	// Name is the backend identifier used in MigrationConfig.Backend
	// ("rayrpc", "gloo", "nccl").
	Name() string

	// EnsureGroup joins or rebuilds the named group with the given
	// participant ranks (for the RPC backend, one mailbox per rank).
	EnsureGroup(ctx context.Context, groupName string, ranks []int) error

	// Warmup exercises every rank's channel with a zero-length round trip
	// right after EnsureGroup, so a dead or slow peer is caught before the
	// first real stage transfer rather than mid-migration.
	Warmup(ctx context.Context, groupName string, ranks []int) error

	// DestroyGroup tears the named group down; called once a rebuild has
	// produced a replacement, so stale ranks cannot still receive chunks
	// addressed under the old membership.
	DestroyGroup(ctx context.Context, groupName string) error

	// Send transfers a simulated payload sized from plan's source blocks
	// to dstRank: the collective backends split it into plan.ChunkSize
	// checksummed chunks, the RPC backend sends one. addTP does not change
	// what is sent; no merging of chunks happens on the send side.
	Send(ctx context.Context, groupName string, dstRank int, plan migration.TransferPlan, addTP bool) error

	// Recv is the peer of Send; it blocks until its chunk(s) have
	// arrived and checks their checksums. Received payloads are not
	// concatenated or written into any block table. The rank passed in
	// addresses the receiving worker's own inbox (mirroring how Send
	// addresses dstRank's inbox), not the sender's rank.
	Recv(ctx context.Context, groupName string, localRank int, plan migration.TransferPlan, addTP bool) error
}

// ChunkPlan computes (addTP, chunkSize) for a migration between a
// source of srcTP ranks and a destination of dstTP ranks per worker
// group, per the tensor-parallel reshape rule: the larger degree is an
// exact multiple of the smaller one, or the migration must fail before
// any transport call is attempted.
func ChunkPlan(srcTP, dstTP int) (addTP bool, chunkSize int, ok bool) {
	if srcTP <= 0 || dstTP <= 0 {
		return false, 0, false
	}
	if dstTP >= srcTP {
		if dstTP%srcTP != 0 {
			return false, 0, false
		}
		return true, dstTP / srcTP, true
	}
	if srcTP%dstTP != 0 {
		return false, 0, false
	}
	return false, srcTP / dstTP, true
}
