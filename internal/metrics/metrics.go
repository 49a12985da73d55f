// Package metrics exposes Prometheus counters for the companion's hot paths.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	registry = prometheus.NewRegistry()

	// ProviderCalls counts LLM requests by purpose (chat, summarize,
	// classify, proactive) and outcome (ok, error).
	ProviderCalls = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mememaster",
		Name:      "provider_calls_total",
		Help:      "LLM provider calls by purpose and outcome.",
	}, []string{"purpose", "outcome"})

	// DebounceFlushes counts delivered batches by trigger (timer, command).
	DebounceFlushes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mememaster",
		Name:      "debounce_flushes_total",
		Help:      "Debounce batches delivered by flush trigger.",
	}, []string{"trigger"})

	// IngestResults counts image ingestion outcomes
	// (duplicate, rejected, saved, error).
	IngestResults = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mememaster",
		Name:      "ingest_results_total",
		Help:      "Image ingestion pipeline outcomes.",
	}, []string{"result"})

	// SummarizeRuns counts summarizer attempts by outcome (ok, error, skipped).
	SummarizeRuns = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mememaster",
		Name:      "summarize_runs_total",
		Help:      "Summarizer runs by outcome.",
	}, []string{"outcome"})
)

func init() {
	registry.MustRegister(ProviderCalls, DebounceFlushes, IngestResults, SummarizeRuns)
}

// Handler returns an http.Handler serving the registry in Prometheus format.
func Handler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
