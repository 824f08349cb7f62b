// Package instanceinfo holds the per-instance load snapshot the
// scheduler publishes and the coordinator polls, plus the GPU telemetry
// field shape fed by an external DCGM-like collaborator.
package instanceinfo

import "time"

// GPUFields mirrors GPU_FIELDS_MAP from the upstream system: the named
// per-GPU gauges an external telemetry collaborator attaches to each
// instance snapshot. Collection itself is out of scope; only the shape
// is carried here so the coordinator and admin surface can expose it.
type GPUFields struct {
	SMClock      float64
	MemClock     float64
	GrEngineActive float64
	SMActive     float64
	SMOccupancy  float64
	TensorActive float64
	DRAMActive   float64
	FP32Active   float64
	FP16Active   float64
	PCIeTxBytes  float64
	PCIeRxBytes  float64
	NVLinkTxBytes float64
	NVLinkRxBytes float64
	PowerWatts   float64
}

type InstanceInfo struct {
	InstanceID        string
	Timestamp         time.Time
	NumWaitingRequests int
	NumRunningRequests int
	NumFreeGPUBlocks  int
	NumTotalGPUBlocks int
	NumBlocksFirstWaiting int
	NumBlocksAllWaiting   int
	GPU               *GPUFields // nil when no telemetry collaborator is attached
}

func (i *InstanceInfo) KVBlocksUsageRatio() float64 {
	if i.NumTotalGPUBlocks == 0 {
		return 0
	}
	used := i.NumTotalGPUBlocks - i.NumFreeGPUBlocks
	return float64(used) / float64(i.NumTotalGPUBlocks)
}

// Update is the event the scheduler emits and the coordinator (and any
// telemetry sink) subscribes to; this replaces a direct closure
// reference from scheduler back into engine, breaking what would
// otherwise be a circular dependency between the two components.
type Update struct {
	Info *InstanceInfo
}

type Subscriber func(Update)

// Publisher is a minimal fan-out broadcaster; the scheduler holds one
// and registers the coordinator's poll-sink and any local telemetry
// sinks (CSV, Prometheus) as subscribers.
type Publisher struct {
	subs []Subscriber
}

func (p *Publisher) Subscribe(s Subscriber) {
	p.subs = append(p.subs, s)
}

func (p *Publisher) Publish(info *InstanceInfo) {
	u := Update{Info: info}
	for _, s := range p.subs {
		s(u)
	}
}
