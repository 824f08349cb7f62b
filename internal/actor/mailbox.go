// Package actor implements the single-goroutine mailbox the coordinator
// runs on (the scheduler, engine, migration driver and migration worker
// guard their state with mutexes instead). Each actor owns its state
// exclusively; callers never touch it directly, they enqueue a closure
// and, if they need a result, wait on a channel the closure fills in.
// This gives the same "no shared mutable memory across actors, handler
// runs to the next explicit await" semantics as the teacher's underlying
// Ray actors without requiring a real actor runtime.
package actor

import (
	"context"
	"errors"
)

var ErrStopped = errors.New("actor: mailbox stopped")

type job func()

// Mailbox drains jobs from a single goroutine. Submitters may be any
// goroutine; only the drain loop touches actor state.
type Mailbox struct {
	in   chan job
	done chan struct{}
}

func NewMailbox(capacity int) *Mailbox {
	return &Mailbox{
		in:   make(chan job, capacity),
		done: make(chan struct{}),
	}
}

// Run drains the mailbox until Stop is called or ctx is cancelled. It
// is meant to be called from exactly one goroutine per Mailbox.
func (m *Mailbox) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.done:
			return
		case j := <-m.in:
			j()
		}
	}
}

func (m *Mailbox) Stop() {
	close(m.done)
}

// Cast enqueues fn without waiting for it to run (fire-and-forget).
func (m *Mailbox) Cast(fn func()) error {
	select {
	case m.in <- fn:
		return nil
	case <-m.done:
		return ErrStopped
	}
}

// Call enqueues fn and blocks the caller until fn has executed inside
// the actor goroutine, propagating ctx cancellation to the waiter (not
// to the queued job itself, which always runs to keep actor state
// consistent).
func Call[T any](ctx context.Context, m *Mailbox, fn func() (T, error)) (T, error) {
	type result struct {
		val T
		err error
	}
	resCh := make(chan result, 1)
	job := func() {
		v, err := fn()
		resCh <- result{v, err}
	}
	select {
	case m.in <- job:
	case <-m.done:
		var zero T
		return zero, ErrStopped
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
	select {
	case r := <-resCh:
		return r.val, r.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}
