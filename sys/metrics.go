package sys

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	CacheLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "earworm",
		Name:      "cache_lookups_total",
		Help:      "Preview cache lookups by result (hit, miss, stale).",
	}, []string{"result"})

	Resolutions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "earworm",
		Name:      "resolutions_total",
		Help:      "Preview resolutions by outcome.",
	}, []string{"outcome"})

	ExtractAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "earworm",
		Name:      "extract_attempts_total",
		Help:      "Stream extraction attempts by strategy and result.",
	}, []string{"strategy", "result"})

	GateActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "earworm",
		Name:      "gate_active_tasks",
		Help:      "Tasks currently holding a gate slot.",
	})

	GateQueued = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "earworm",
		Name:      "gate_queued_tasks",
		Help:      "Tasks waiting for a gate slot.",
	})

	ProxyPoolSize = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "earworm",
		Name:      "proxy_pool_size",
		Help:      "Known proxies by state.",
	}, []string{"state"})

	ProxyBans = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "earworm",
		Name:      "proxy_bans_total",
		Help:      "Proxies banned after attributable failures.",
	})
)

// Outcome labels for Resolutions.
const (
	OutcomeCache    = "cache"
	OutcomeDirect   = "direct"
	OutcomeEmbed    = "embed"
	OutcomeNotFound = "not_found"
	OutcomeFailed   = "failed"
	OutcomeInvalid  = "invalid"
	OutcomeCanceled = "canceled"
)
