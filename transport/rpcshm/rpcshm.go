// Package rpcshm implements the RPC-shared-memory BlockTransport
// variant: blocks are serialized by value and handed across a bounded
// channel standing in for a local RPC call, the way the upstream
// system's RayRpcMigrationBackend ships numpy arrays by value through
// an actor call rather than a collective op. Optionally compresses the
// payload with lz4 before the "RPC" hop.
package rpcshm

import (
	"context"
	"sync"

	"github.com/pierrec/lz4/v3"

	"github.com/nvidia/kvfleet/internal/cmn/errs"
	"github.com/nvidia/kvfleet/migration"
	"github.com/nvidia/kvfleet/transport"
)

type rpcCall struct {
	chunks []transport.Chunk
}

// Backend wires rank-addressed mailboxes the same way an RPC stub
// would address a remote actor by handle, except the handle here is
// just an integer rank within the currently active group.
type Backend struct {
	compress bool

	mu    sync.Mutex
	boxes map[string]map[int]chan rpcCall
}

func New(compress bool) *Backend {
	return &Backend{compress: compress, boxes: make(map[string]map[int]chan rpcCall)}
}

func (b *Backend) Name() string { return "rayrpc" }

func (b *Backend) EnsureGroup(_ context.Context, groupName string, ranks []int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	m := make(map[int]chan rpcCall, len(ranks))
	for _, r := range ranks {
		m[r] = make(chan rpcCall, 4)
	}
	b.boxes[groupName] = m
	return nil
}

// Warmup round-trips an empty call through every rank's own mailbox, the
// RPC-backend equivalent of a collective group's zero-size send/recv
// round trip: it confirms the mailbox exists and is being drained before
// any real stage transfer is attempted.
func (b *Backend) Warmup(ctx context.Context, groupName string, ranks []int) error {
	for _, rank := range ranks {
		ch, err := b.mailbox(groupName, rank)
		if err != nil {
			return err
		}
		select {
		case ch <- rpcCall{}:
		case <-ctx.Done():
			return ctx.Err()
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// DestroyGroup drops groupName's mailboxes; called once a rebuild has
// published a replacement group so stale ranks cannot still be addressed.
func (b *Backend) DestroyGroup(_ context.Context, groupName string) error {
	b.mu.Lock()
	delete(b.boxes, groupName)
	b.mu.Unlock()
	return nil
}

func (b *Backend) mailbox(groupName string, rank int) (chan rpcCall, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	m, ok := b.boxes[groupName]
	if !ok {
		return nil, errs.ErrGroupInitTimeout(groupName)
	}
	ch, ok := m[rank]
	if !ok {
		return nil, errs.ErrRemoteDead(nil, "rank not present in group "+groupName)
	}
	return ch, nil
}

func (b *Backend) Send(ctx context.Context, groupName string, dstRank int, plan migration.TransferPlan, addTP bool) error {
	ch, err := b.mailbox(groupName, dstRank)
	if err != nil {
		return err
	}
	payload := make([]byte, len(plan.SrcBlocks)*4096+1)
	if b.compress {
		payload = compress(payload)
	}
	chunk := transport.NewChunk(payload, plan.ChunkSize, plan.ChunkRank)
	call := rpcCall{chunks: []transport.Chunk{chunk}}
	select {
	case ch <- call:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Recv reads from localRank's mailbox: the same box Send(dstRank=localRank)
// on the peer side wrote into.
func (b *Backend) Recv(ctx context.Context, groupName string, localRank int, plan migration.TransferPlan, addTP bool) error {
	ch, err := b.mailbox(groupName, localRank)
	if err != nil {
		return err
	}
	select {
	case call := <-ch:
		for _, c := range call.chunks {
			if b.compress {
				if _, err := decompress(c.Payload); err != nil {
					return errs.ErrTransport(err, "decompress chunk")
				}
				continue
			}
			if !c.Verify() {
				return errs.ErrTransport(nil, "chunk checksum mismatch")
			}
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func compress(src []byte) []byte {
	dst := make([]byte, lz4.CompressBlockBound(len(src)))
	var c lz4.Compressor
	n, err := c.CompressBlock(src, dst)
	if err != nil || n == 0 {
		return src
	}
	return dst[:n]
}

func decompress(src []byte) ([]byte, error) {
	dst := make([]byte, len(src)*4+64)
	n, err := lz4.UncompressBlock(src, dst)
	if err != nil {
		return nil, err
	}
	return dst[:n], nil
}
