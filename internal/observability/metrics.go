package observability

import "github.com/prometheus/client_golang/prometheus"

// Pipeline collectors. Label values are bounded by the configured currency
// list and the fixed status/kind vocabularies, so cardinality stays small.
var (
	// CatalogPages counts catalog pages fetched successfully, by currency.
	CatalogPages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pricesnap_catalog_pages_total",
			Help: "Catalog pages fetched successfully.",
		},
		[]string{"currency"},
	)

	// CatalogRetries counts page requests that were retried, by failure kind
	// (rate_limited, transient).
	CatalogRetries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pricesnap_catalog_retries_total",
			Help: "Catalog page requests retried after a recoverable failure.",
		},
		[]string{"kind"},
	)

	// PricesUpserted counts unique price keys written, by currency.
	PricesUpserted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pricesnap_prices_upserted_total",
			Help: "Price records inserted or refreshed.",
		},
		[]string{"currency"},
	)

	// BatchRetries counts batch writes retried after a retryable store error.
	BatchRetries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "pricesnap_batch_retries_total",
			Help: "Batch upserts retried after a retryable write error.",
		},
	)

	// RunsFinalized counts finalized snapshot runs by currency and status.
	RunsFinalized = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pricesnap_runs_total",
			Help: "Snapshot runs finalized, by outcome.",
		},
		[]string{"currency", "status"},
	)

	// RunsReclaimed counts stale RUNNING runs moved to FAILED.
	RunsReclaimed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pricesnap_runs_reclaimed_total",
			Help: "Stale snapshot runs reclaimed as FAILED.",
		},
		[]string{"currency"},
	)

	// RunDuration records wall time of a currency run in seconds.
	RunDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pricesnap_run_duration_seconds",
			Help:    "Duration of a snapshot run for one currency.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200, 1800, 3600, 7200},
		},
		[]string{"currency"},
	)
)

func init() {
	prometheus.MustRegister(
		CatalogPages,
		CatalogRetries,
		PricesUpserted,
		BatchRetries,
		RunsFinalized,
		RunsReclaimed,
		RunDuration,
	)
}
