package metrics

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	QueryDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "docsage_query_duration_seconds",
			Help:    "Query pipeline duration in seconds",
			Buckets: []float64{0.5, 1, 5, 15, 30, 60, 120},
		},
		[]string{"outcome"},
	)

	QueryTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docsage_query_total",
			Help: "Total number of queries processed",
		},
		[]string{"status"},
	)

	SearchResultsCount = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "docsage_search_results_count",
			Help:    "Number of chunks retrieved per query",
			Buckets: []float64{0, 1, 2, 4, 8, 16},
		},
	)

	FilterVerdicts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docsage_filter_verdicts_total",
			Help: "Relevance filter verdicts by kind",
		},
		[]string{"verdict"},
	)

	TasksCancelled = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "docsage_tasks_cancelled_total",
			Help: "Total tasks cancelled by clients",
		},
	)

	CacheHits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docsage_cache_hits_total",
			Help: "Total cache hits",
		},
		[]string{"cache_type"},
	)

	CacheMisses = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docsage_cache_misses_total",
			Help: "Total cache misses",
		},
		[]string{"cache_type"},
	)

	DocumentsProcessed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "docsage_documents_processed_total",
			Help: "Total documents ingested",
		},
	)

	ChunksStored = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "docsage_chunks_stored",
			Help: "Chunks currently in the store",
		},
	)

	LLMTokensUsed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docsage_llm_tokens_used",
			Help: "Total LLM tokens used",
		},
		[]string{"model", "type"},
	)
)

func Init() {
	prometheus.MustRegister(QueryDuration)
	prometheus.MustRegister(QueryTotal)
	prometheus.MustRegister(SearchResultsCount)
	prometheus.MustRegister(FilterVerdicts)
	prometheus.MustRegister(TasksCancelled)
	prometheus.MustRegister(CacheHits)
	prometheus.MustRegister(CacheMisses)
	prometheus.MustRegister(DocumentsProcessed)
	prometheus.MustRegister(ChunksStored)
	prometheus.MustRegister(LLMTokensUsed)
}

func Handler() fiber.Handler {
	return adaptor.HTTPHandler(promhttp.Handler())
}
