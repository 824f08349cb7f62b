// Package metrics exports InstanceInfo and migration counters as
// Prometheus gauges/counters for the admin surface to serve.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/nvidia/kvfleet/instanceinfo"
)

var (
	KVUsageRatio = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "kvfleet",
		Name:      "kv_blocks_usage_ratio",
		Help:      "Fraction of an instance's GPU KV-cache blocks currently in use.",
	}, []string{"instance_id"})

	WaitingRequests = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "kvfleet",
		Name:      "waiting_requests",
		Help:      "Number of requests in an instance's waiting queue.",
	}, []string{"instance_id"})

	RunningRequests = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "kvfleet",
		Name:      "running_requests",
		Help:      "Number of requests in an instance's running queue.",
	}, []string{"instance_id"})

	MigrationsStarted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "kvfleet",
		Name:      "migrations_started_total",
		Help:      "Migrations started, by source instance.",
	}, []string{"src_instance_id"})

	MigrationsCommitted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "kvfleet",
		Name:      "migrations_committed_total",
		Help:      "Migrations that reached DONE.",
	}, []string{"src_instance_id", "dst_instance_id"})

	MigrationsAborted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "kvfleet",
		Name:      "migrations_aborted_total",
		Help:      "Migrations that transitioned to ABORTED.",
	}, []string{"src_instance_id", "dst_instance_id"})

	GPUTensorActive = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "kvfleet",
		Name:      "gpu_tensor_active_ratio",
		Help:      "Per-instance GPU tensor-core active ratio, fed by an external telemetry collaborator.",
	}, []string{"instance_id"})
)

func MustRegister(reg *prometheus.Registry) {
	reg.MustRegister(KVUsageRatio, WaitingRequests, RunningRequests, MigrationsStarted, MigrationsCommitted, MigrationsAborted, GPUTensorActive)
}

// ObserveInstanceInfo updates the gauges from one InstanceInfo
// snapshot; wired as an instanceinfo.Subscriber.
func ObserveInstanceInfo(info *instanceinfo.InstanceInfo) {
	KVUsageRatio.WithLabelValues(info.InstanceID).Set(info.KVBlocksUsageRatio())
	WaitingRequests.WithLabelValues(info.InstanceID).Set(float64(info.NumWaitingRequests))
	RunningRequests.WithLabelValues(info.InstanceID).Set(float64(info.NumRunningRequests))
	if info.GPU != nil {
		GPUTensorActive.WithLabelValues(info.InstanceID).Set(info.GPU.TensorActive)
	}
}

func Subscriber() instanceinfo.Subscriber {
	return func(u instanceinfo.Update) { ObserveInstanceInfo(u.Info) }
}
