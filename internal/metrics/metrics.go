// Package metrics wires the Prometheus collectors shared across the data
// plane, health checker, and gossip layer.
package metrics

import (
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shirou/gopsutil/v3/process"
)

// Registry wraps every Prometheus collector layer4lb exposes.
type Registry struct {
	ConnectionsActive *prometheus.GaugeVec
	ConnectionsTotal  *prometheus.CounterVec
	BackendHealthy    *prometheus.GaugeVec
	BackendActive     *prometheus.GaugeVec
	BytesTotal        *prometheus.CounterVec
	GossipUpdates     *prometheus.CounterVec

	ProcessCPUPercent prometheus.Gauge
	ProcessRSSBytes   prometheus.Gauge
}

// NewRegistry registers and returns the full collector set.
func NewRegistry() *Registry {
	return &Registry{
		ConnectionsActive: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "layer4lb_connections_active",
			Help: "Number of proxy sessions currently in flight per rule.",
		}, []string{"rule"}),
		ConnectionsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "layer4lb_connections_total",
			Help: "Total connections handled per rule, labeled by outcome.",
		}, []string{"rule", "result"}),
		BackendHealthy: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "layer4lb_backend_healthy",
			Help: "1 if the backend is currently considered healthy, else 0.",
		}, []string{"rule", "backend"}),
		BackendActive: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "layer4lb_backend_active_conns",
			Help: "Active connection count per backend.",
		}, []string{"rule", "backend"}),
		BytesTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "layer4lb_bytes_total",
			Help: "Bytes proxied per rule, labeled by direction.",
		}, []string{"rule", "direction"}),
		GossipUpdates: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "layer4lb_gossip_updates_total",
			Help: "Gossip usage-update messages, labeled by direction.",
		}, []string{"direction"}),
		ProcessCPUPercent: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "layer4lb_process_cpu_percent",
			Help: "Process CPU usage percent, sampled periodically.",
		}),
		ProcessRSSBytes: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "layer4lb_process_rss_bytes",
			Help: "Process resident set size in bytes, sampled periodically.",
		}),
	}
}

// Handler returns the HTTP handler serving the Prometheus exposition format.
func (r *Registry) Handler() http.Handler {
	return promhttp.Handler()
}

// StartProcessSampler periodically samples this process's CPU/RSS and
// updates the corresponding gauges. It is pure observability: nothing in
// the data plane reads these values back for admission decisions.
func (r *Registry) StartProcessSampler(stop <-chan struct{}, interval time.Duration) {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return
	}

	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				if cpuPct, err := proc.CPUPercent(); err == nil {
					r.ProcessCPUPercent.Set(cpuPct)
				}
				if meminfo, err := proc.MemoryInfo(); err == nil && meminfo != nil {
					r.ProcessRSSBytes.Set(float64(meminfo.RSS))
				}
			}
		}
	}()
}
