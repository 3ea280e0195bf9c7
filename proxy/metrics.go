package proxy

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	metricBackendUp = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "llamaswitch",
		Subsystem: "backend",
		Name:      "up",
		Help:      "1 while a backend process is installed",
	})

	metricBackendReady = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "llamaswitch",
		Subsystem: "backend",
		Name:      "ready",
		Help:      "1 once the backend signaled readiness",
	})

	metricSwapsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "llamaswitch",
		Subsystem: "backend",
		Name:      "starts_total",
		Help:      "Backend starts, including model swaps",
	})

	metricTokensGenerated = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "llamaswitch",
		Subsystem: "backend",
		Name:      "generated_tokens_total",
		Help:      "Tokens generated across all backend lifetimes",
	})

	metricPromptSpeed = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "llamaswitch",
		Subsystem: "backend",
		Name:      "prompt_tokens_per_second",
		Help:      "Most recent prompt evaluation speed",
	})

	metricGenSpeed = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "llamaswitch",
		Subsystem: "backend",
		Name:      "generation_tokens_per_second",
		Help:      "Most recent generation speed",
	})

	metricCtxUsed = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "llamaswitch",
		Subsystem: "backend",
		Name:      "context_used_tokens",
		Help:      "Context tokens consumed by the last finished request",
	})

	metricProxyRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "llamaswitch",
		Subsystem: "proxy",
		Name:      "requests_total",
		Help:      "Proxied completion requests by outcome",
	}, []string{"path", "outcome"})
)

func init() {
	prometheus.MustRegister(
		metricBackendUp,
		metricBackendReady,
		metricSwapsTotal,
		metricTokensGenerated,
		metricPromptSpeed,
		metricGenSpeed,
		metricCtxUsed,
		metricProxyRequests,
	)
}

func resetBackendMetrics() {
	metricBackendUp.Set(0)
	metricBackendReady.Set(0)
	metricPromptSpeed.Set(0)
	metricGenSpeed.Set(0)
	metricCtxUsed.Set(0)
}
