// Package engine implements the per-instance InstanceEngine: the step
// loop, the step-boundary request-removal queue, and output filtering
// for requests currently mid-migration.
package engine

import (
	"context"
	"sync"
	"time"

	"github.com/nvidia/kvfleet/internal/nlog"
	"github.com/nvidia/kvfleet/scheduler"
)

type State int

const (
	Init State = iota
	Running
	Stopped
	Crashed
)

func (s State) String() string {
	switch s {
	case Init:
		return "init"
	case Running:
		return "running"
	case Stopped:
		return "stopped"
	case Crashed:
		return "crashed"
	default:
		return "unknown"
	}
}

// removalEvent is a (request_id, kind) pair enqueued by a caller outside
// the step loop (typically the migration driver) asking the engine to
// drop a request between steps rather than mid-step, so a running
// request is never pulled out from under an in-flight forward pass.
type removalKind int

const (
	removeMigratedOut removalKind = iota
	removeFinished
)

type removalEvent struct {
	requestID string
	kind      removalKind
	done      chan bool
}

// Output is one step's generated token delta for a request; migrating
// requests are filtered out before delivery, per the output-filtering
// contract.
type Output struct {
	RequestID string
	TokenIDs  []int32
	Done      bool
}

type OutputSink func([]Output)

type Engine struct {
	instanceID string
	sched      *scheduler.Scheduler
	sink       OutputSink

	mu    sync.Mutex
	state State

	removals chan removalEvent
	stop     chan struct{}

	stepInterval time.Duration
}

func New(instanceID string, sched *scheduler.Scheduler, sink OutputSink) *Engine {
	return &Engine{
		instanceID:   instanceID,
		sched:        sched,
		sink:         sink,
		state:        Init,
		removals:     make(chan removalEvent, 256),
		stop:         make(chan struct{}),
		stepInterval: 10 * time.Millisecond, // mirrors NO_OUTPUTS_STEP_INTERVAL
	}
}

func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// EnqueueRemoval is called by the migration driver (or an abort path)
// to ask the step loop to drop requestID at the next step boundary. It
// blocks until the step loop has actually applied the removal and
// reports whether the request was found, per the "callers await the
// event before proceeding" step-serialization contract: the caller must
// not assume requestID is gone until this returns.
func (e *Engine) EnqueueRemoval(ctx context.Context, requestID string, migratedOut bool) (bool, error) {
	kind := removeFinished
	if migratedOut {
		kind = removeMigratedOut
	}
	ev := removalEvent{requestID: requestID, kind: kind, done: make(chan bool, 1)}
	select {
	case e.removals <- ev:
	case <-ctx.Done():
		return false, ctx.Err()
	case <-e.stop:
		return false, nil
	}
	select {
	case removed := <-ev.done:
		return removed, nil
	case <-ctx.Done():
		return false, ctx.Err()
	case <-e.stop:
		return false, nil
	}
}

func (e *Engine) Stop() {
	close(e.stop)
}

// Run drives the step loop until ctx is cancelled or Stop is called.
// Each iteration: drain pending removals, admit newly-schedulable
// requests, advance one step, filter and deliver outputs.
func (e *Engine) Run(ctx context.Context) {
	e.mu.Lock()
	e.state = Running
	e.mu.Unlock()

	defer func() {
		if r := recover(); r != nil {
			e.mu.Lock()
			e.state = Crashed
			e.mu.Unlock()
			nlog.Errorln(e.instanceID, "engine crashed:", r)
		}
	}()

	ticker := time.NewTicker(e.stepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			e.setState(Stopped)
			return
		case <-e.stop:
			e.setState(Stopped)
			return
		case <-ticker.C:
			e.drainRemovals()
			e.sched.Step()
			e.stepOnce()
		}
	}
}

func (e *Engine) setState(s State) {
	e.mu.Lock()
	e.state = s
	e.mu.Unlock()
}

func (e *Engine) drainRemovals() {
	for {
		select {
		case ev := <-e.removals:
			e.applyRemoval(ev)
		default:
			return
		}
	}
}

func (e *Engine) applyRemoval(ev removalEvent) {
	var removed bool
	switch ev.kind {
	case removeMigratedOut:
		// Step-boundary pull ahead of the last-stage transfer: take the
		// request off the running queue, but its blocks stay reserved
		// until the migration's commit releases them (ReleaseBlocks on
		// the last-stage snapshot) once the transfer has landed on the
		// destination.
		removed = e.sched.RemoveRunningRequest(ev.requestID)
		if !removed {
			removed = e.sched.RemoveWaitingRequest(ev.requestID)
		}
	case removeFinished:
		e.sched.RemoveMigratedOut(ev.requestID)
		removed = true
	}
	if ev.done != nil {
		ev.done <- removed
	}
}

// stepOnce is the per-step model forward-pass stand-in: this module
// never runs an actual model, so it just demonstrates the
// filter-then-deliver contract with an empty output batch. Real output
// production belongs to the model-serving layer, out of scope here.
func (e *Engine) stepOnce() {
	if e.sink == nil {
		return
	}
	migrating := e.sched.MigratingRequestIDs()
	e.sink(FilterMigrating(nil, migrating))
}

// FilterMigrating drops outputs for requests currently mid-migration so
// a partially-relocated request never emits a token from its old home,
// per the output-filtering invariant.
func FilterMigrating(outputs []Output, migrating map[string]struct{}) []Output {
	if len(migrating) == 0 {
		return outputs
	}
	out := outputs[:0:0]
	for _, o := range outputs {
		if _, skip := migrating[o.RequestID]; skip {
			continue
		}
		out = append(out, o)
	}
	return out
}
