// Package metrics registers the buddy's Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// StateClassifications counts classifier results by state.
	StateClassifications = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "buddy_state_classifications_total",
		Help: "Reader state classifications by detected state",
	}, []string{"state"})

	Interventions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "buddy_interventions_total",
		Help: "Proactive interventions surfaced to the reader by mode",
	}, []string{"mode"})

	RetrievalSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "buddy_retrieval_seconds",
		Help:    "Context bundle assembly latency in seconds",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 10), // 1ms to ~512ms
	})

	RetrievalPartial = promauto.NewCounter(prometheus.CounterOpts{
		Name: "buddy_retrieval_partial_total",
		Help: "Context bundles cut short by the retrieval budget",
	})

	// ExtractionPages counts extracted pages by strategy (model, heuristic)
	// and outcome (ok, failed).
	ExtractionPages = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "buddy_extraction_pages_total",
		Help: "Pages processed by the concept extractor",
	}, []string{"strategy", "outcome"})

	LLMRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "buddy_llm_requests_total",
		Help: "Language model requests by provider and outcome",
	}, []string{"provider", "outcome"})
)
