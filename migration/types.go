// Package migration holds the types shared between the coordinator's
// pairing policy, the per-request MigrationDriver state machine, and
// the MigrationWorker/BlockTransport layers.
package migration

import "github.com/nvidia/kvfleet/block"

// Constraint narrows which src/dst roles a pair may take, per the
// prefill/decode disaggregation policy.
type Constraint int

const (
	NoConstraints Constraint = iota
	Prefill2Decode
	Decode2Decode
)

func (c Constraint) String() string {
	switch c {
	case Prefill2Decode:
		return "prefill-to-decode"
	case Decode2Decode:
		return "decode-to-decode"
	default:
		return "no-constraints"
	}
}

type Pair struct {
	Src        string
	Dst        string
	Constraint Constraint
}

// Stage is the per-request migration state machine. Every non-terminal
// state can transition to Aborted; there is no path back out of Aborted
// or Done.
type Stage int

const (
	Selecting Stage = iota
	Staging
	LastStage
	Committing
	Done
	Aborted
)

func (s Stage) String() string {
	switch s {
	case Selecting:
		return "selecting"
	case Staging:
		return "staging"
	case LastStage:
		return "last-stage"
	case Committing:
		return "committing"
	case Done:
		return "done"
	case Aborted:
		return "aborted"
	default:
		return "unknown"
	}
}

func (s Stage) Terminal() bool { return s == Done || s == Aborted }

// TransferPlan describes one stage's worth of block transfer.
type TransferPlan struct {
	RequestID  string
	SrcBlocks  block.Table
	DstBlocks  block.Table
	IsLastStage bool
	ChunkSize  int
	ChunkRank  int
}
