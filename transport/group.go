package transport

import (
	"context"
	"sync"

	"github.com/nvidia/kvfleet/internal/cmn/errs"
)

// Group is the Go stand-in for a ray.util.collective communication
// world: a named set of per-rank mailboxes used by the collective-CPU
// and collective-GPU backends to exchange chunks. A group is torn down
// and rebuilt on any membership change, exactly like the upstream
// system's group-name invalidation rule.
type Group struct {
	mu    sync.Mutex
	name  string
	ranks map[int]chan Chunk
}

func newGroup(name string, ranks []int) *Group {
	g := &Group{name: name, ranks: make(map[int]chan Chunk, len(ranks))}
	for _, r := range ranks {
		g.ranks[r] = make(chan Chunk, 4)
	}
	return g
}

func (g *Group) send(ctx context.Context, dstRank int, c Chunk) error {
	g.mu.Lock()
	ch, ok := g.ranks[dstRank]
	g.mu.Unlock()
	if !ok {
		return errs.ErrRemoteDead(nil, "rank not a member of group "+g.name)
	}
	select {
	case ch <- c:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (g *Group) recv(ctx context.Context, srcRank int) (Chunk, error) {
	g.mu.Lock()
	ch, ok := g.ranks[srcRank]
	g.mu.Unlock()
	if !ok {
		return Chunk{}, errs.ErrRemoteDead(nil, "rank not a member of group "+g.name)
	}
	select {
	case c := <-ch:
		return c, nil
	case <-ctx.Done():
		return Chunk{}, ctx.Err()
	}
}

// Registry tracks live Groups by name; collcpu and collgpu backends
// share one so a group rebuilt by the migration worker is visible to
// both send and recv calls regardless of which backend variant created
// it.
type Registry struct {
	mu     sync.Mutex
	groups map[string]*Group
}

func NewRegistry() *Registry {
	return &Registry{groups: make(map[string]*Group)}
}

func (r *Registry) EnsureGroup(_ context.Context, name string, ranks []int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.groups[name] = newGroup(name, ranks)
	return nil
}

func (r *Registry) get(name string) (*Group, error) {
	r.mu.Lock()
	g, ok := r.groups[name]
	r.mu.Unlock()
	if !ok {
		return nil, errs.ErrGroupInitTimeout(name)
	}
	return g, nil
}

func (r *Registry) Drop(name string) {
	r.mu.Lock()
	delete(r.groups, name)
	r.mu.Unlock()
}

// Warmup sends and immediately receives a zero-size chunk on every rank
// pair (r, r) so a dead channel surfaces at group-build time rather than
// on the first real stage transfer.
func (r *Registry) Warmup(ctx context.Context, name string, ranks []int) error {
	g, err := r.get(name)
	if err != nil {
		return err
	}
	for _, rank := range ranks {
		c := NewChunk(nil, 1, 0)
		if err := g.send(ctx, rank, c); err != nil {
			return errs.ErrTransport(err, "warmup send to rank")
		}
		if _, err := g.recv(ctx, rank); err != nil {
			return errs.ErrTransport(err, "warmup recv from rank")
		}
	}
	return nil
}
