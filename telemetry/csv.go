// Package telemetry holds the CSV instance-info sink, carried over from
// the upstream system's _log_instance_infos_to_csv: one row per
// instance per poll, deduplicated so a steady idle instance doesn't
// spam the log.
package telemetry

import (
	"encoding/csv"
	"io"
	"strconv"
	"time"

	"github.com/nvidia/kvfleet/instanceinfo"
)

var csvHeader = []string{
	"timestamp", "instance_id", "num_waiting_requests", "num_running_requests",
	"num_free_gpu_blocks", "num_total_gpu_blocks", "kv_blocks_usage_ratio",
}

type CSVSink struct {
	w             *csv.Writer
	headerWritten bool
	lastRatio     map[string]float64
}

func NewCSVSink(w io.Writer) *CSVSink {
	return &CSVSink{w: csv.NewWriter(w), lastRatio: make(map[string]float64)}
}

// Subscriber returns an instanceinfo.Subscriber that writes a row only
// when the instance's KV usage ratio changed since the last row for
// that instance, or this is the first row seen for it.
func (s *CSVSink) Subscriber() instanceinfo.Subscriber {
	return func(u instanceinfo.Update) {
		s.observe(u.Info)
	}
}

func (s *CSVSink) observe(info *instanceinfo.InstanceInfo) {
	ratio := info.KVBlocksUsageRatio()
	prev, seen := s.lastRatio[info.InstanceID]
	if seen && prev == ratio {
		return
	}
	s.lastRatio[info.InstanceID] = ratio

	if !s.headerWritten {
		_ = s.w.Write(csvHeader)
		s.headerWritten = true
	}
	_ = s.w.Write([]string{
		info.Timestamp.Format(time.RFC3339Nano),
		info.InstanceID,
		strconv.Itoa(info.NumWaitingRequests),
		strconv.Itoa(info.NumRunningRequests),
		strconv.Itoa(info.NumFreeGPUBlocks),
		strconv.Itoa(info.NumTotalGPUBlocks),
		strconv.FormatFloat(ratio, 'f', 4, 64),
	})
	s.w.Flush()
}
