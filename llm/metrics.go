package llm

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "forgeloop",
		Subsystem: "router",
		Name:      "requests_total",
		Help:      "Routed LLM requests by provider and outcome.",
	}, []string{"provider", "outcome"})

	keyExhaustedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "forgeloop",
		Subsystem: "router",
		Name:      "key_exhausted_total",
		Help:      "Requests that found no key with capacity.",
	})

	safetyEscalationsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "forgeloop",
		Subsystem: "router",
		Name:      "safety_escalations_total",
		Help:      "Workload upgrades triggered by safety filter blocks.",
	})
)
