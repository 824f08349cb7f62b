// Package request holds the Request type and its lifecycle states.
package request

import (
	"time"

	"github.com/nvidia/kvfleet/block"
)

type Status int

const (
	Waiting Status = iota
	Running
	WaitingMigrating
	RunningMigrating
)

func (s Status) String() string {
	switch s {
	case Waiting:
		return "waiting"
	case Running:
		return "running"
	case WaitingMigrating:
		return "waiting-migrating"
	case RunningMigrating:
		return "running-migrating"
	default:
		return "unknown"
	}
}

// SamplingParams is opaque to the dispatch/migration core; only its
// presence and pass-through are part of this module's contract.
type SamplingParams struct {
	Temperature float64
	TopP        float64
	MaxTokens   int
}

type Request struct {
	ID                string
	ServerID          string
	Sampling          SamplingParams
	ExpectedSteps     int
	Status            Status
	TokenIDs          []int32
	BlockTable        block.Table
	BlockingMigration string // non-empty while a migration holds this request
	ArrivalTimestamp  time.Time
}

func (r *Request) IsMigrating() bool {
	return r.Status == WaitingMigrating || r.Status == RunningMigrating
}

// Clone returns a deep-enough copy for snapshotting into migration
// metadata: token ids and block table are copied, everything else is
// scalar.
func (r *Request) Clone() *Request {
	cp := *r
	cp.TokenIDs = append([]int32(nil), r.TokenIDs...)
	cp.BlockTable = r.BlockTable.Clone()
	return &cp
}
