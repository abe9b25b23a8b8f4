package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	PollCycles       = prometheus.NewCounter(prometheus.CounterOpts{Name: "console_poll_cycles_total", Help: "Poll cycles executed"})
	ProbesTotal      = prometheus.NewCounter(prometheus.CounterOpts{Name: "console_status_probes_total", Help: "Status probes issued"})
	ProbeFailures    = prometheus.NewCounter(prometheus.CounterOpts{Name: "console_status_probe_failures_total", Help: "Status probes that failed"})
	Transitions      = prometheus.NewCounter(prometheus.CounterOpts{Name: "console_transitions_total", Help: "Status transitions applied to the store"})
	Reloads          = prometheus.NewCounter(prometheus.CounterOpts{Name: "console_reloads_total", Help: "Full list reloads after terminal transitions"})
	ReloadFailures   = prometheus.NewCounter(prometheus.CounterOpts{Name: "console_reload_failures_total", Help: "Full list reloads that failed"})
	NoticesTotal     = prometheus.NewCounter(prometheus.CounterOpts{Name: "console_notices_total", Help: "User-visible notices emitted"})
	RateLimitRejects = prometheus.NewCounter(prometheus.CounterOpts{Name: "console_rate_limit_rejects_total", Help: "Scan triggers rejected by rate limiter"})
	ActiveScans      = prometheus.NewGauge(prometheus.GaugeOpts{Name: "console_active_scans", Help: "Scans currently being polled"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			PollCycles,
			ProbesTotal,
			ProbeFailures,
			Transitions,
			Reloads,
			ReloadFailures,
			NoticesTotal,
			RateLimitRejects,
			ActiveScans,
		)
	})
	return promhttp.Handler()
}
