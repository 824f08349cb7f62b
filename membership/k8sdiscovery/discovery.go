// Package k8sdiscovery discovers live instance Pods by label selector,
// an alternative to the upstream system's Ray named-actor lookup, and
// feeds node-level resource telemetry via the Kubernetes metrics API.
package k8sdiscovery

import (
	"context"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	metricsclientset "k8s.io/metrics/pkg/client/clientset/versioned"

	"github.com/nvidia/kvfleet/coordinator"
)

const instanceLabelKey = "kvfleet.nvidia.com/instance-id"

type Discovery struct {
	clientset  kubernetes.Interface
	metricsCli metricsclientset.Interface
	namespace  string
}

func New(clientset kubernetes.Interface, metricsCli metricsclientset.Interface, namespace string) *Discovery {
	return &Discovery{clientset: clientset, metricsCli: metricsCli, namespace: namespace}
}

// ListInstances returns one InstanceRef per Running and Ready Pod
// carrying the instance label, in the order the API server lists them.
func (d *Discovery) ListInstances(ctx context.Context) ([]coordinator.InstanceRef, error) {
	pods, err := d.clientset.CoreV1().Pods(d.namespace).List(ctx, metav1.ListOptions{
		LabelSelector: instanceLabelKey,
	})
	if err != nil {
		return nil, err
	}
	refs := make([]coordinator.InstanceRef, 0, len(pods.Items))
	for _, p := range pods.Items {
		if !isReady(&p) {
			continue
		}
		refs = append(refs, coordinator.InstanceRef{ID: p.Labels[instanceLabelKey]})
	}
	return refs, nil
}

func isReady(p *corev1.Pod) bool {
	if p.Status.Phase != corev1.PodRunning {
		return false
	}
	for _, c := range p.Status.Conditions {
		if c.Type == corev1.PodReady {
			return c.Status == corev1.ConditionTrue
		}
	}
	return false
}

// NodeUtilization returns the CPU/memory usage reported by
// metrics-server for nodeName, used as a coarse scale-up signal
// alongside per-instance KV usage.
func (d *Discovery) NodeUtilization(ctx context.Context, nodeName string) (cpuMilli, memBytes int64, err error) {
	m, err := d.metricsCli.MetricsV1beta1().NodeMetricses().Get(ctx, nodeName, metav1.GetOptions{})
	if err != nil {
		return 0, 0, err
	}
	return m.Usage.Cpu().MilliValue(), m.Usage.Memory().Value(), nil
}
