package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for LendLedger.
type Metrics struct {
	// --- Core processing ---
	CoreOpsApplied    *prometheus.CounterVec
	CoreOpsRejected   *prometheus.CounterVec
	CoreOpDuration    *prometheus.HistogramVec
	CoreEventsEmitted *prometheus.CounterVec
	CoreSequence      prometheus.Gauge
	CoreBlock         prometheus.Gauge

	// --- Channels & backpressure ---
	ChannelSize         *prometheus.GaugeVec
	ProjectionDrops     prometheus.Counter
	PublishDrops        prometheus.Counter
	PersistBackpressure prometheus.Counter

	// --- Idempotency & ordering ---
	IdempotencyDuplicates *prometheus.CounterVec
	DedupLRUSize          prometheus.Gauge
	DedupLookupErrors     prometheus.Counter
	PriceSequenceGaps     *prometheus.CounterVec
	PriceStale            *prometheus.CounterVec

	// --- Lending ---
	PoolUtilization  *prometheus.GaugeVec
	PoolExchangeRate *prometheus.GaugeVec
	PoolTotalBorrows *prometheus.GaugeVec
	OraclePrice      *prometheus.GaugeVec

	// --- Liquidation & balancing ---
	Liquidations           *prometheus.CounterVec
	LiquidationSeizeSteps  *prometheus.CounterVec
	LiquidationPoolBalance *prometheus.GaugeVec
	BalancerSwaps          *prometheus.CounterVec

	// --- Rewards ---
	MntClaimed prometheus.Counter

	// --- Persistence ---
	PersistOpsWritten    prometheus.Counter
	PersistEventsWritten prometheus.Counter
	PersistBatchSize     prometheus.Histogram
	PersistBatchDur      prometheus.Histogram
	PersistErrors        *prometheus.CounterVec
	PersistRetry         prometheus.Counter
	PersistLastSequence  prometheus.Gauge

	// --- Snapshots ---
	SnapshotTaken    prometheus.Counter
	SnapshotDuration prometheus.Histogram
	SnapshotLastSeq  prometheus.Gauge

	// --- Projections ---
	ProjectionUpdateDur *prometheus.HistogramVec
	ProjectionLastSeq   *prometheus.GaugeVec

	// --- Ingestion & query ---
	IngestReceived    *prometheus.CounterVec
	IngestInvalid     *prometheus.CounterVec
	OutboundPublished prometheus.Counter
	QueryRequests     *prometheus.CounterVec
	QueryDuration     *prometheus.HistogramVec
}

// NewMetrics registers every metric with the default registry.
func NewMetrics() *Metrics {
	return NewMetricsWith(prometheus.DefaultRegisterer)
}

// NewMetricsWith registers every metric with reg. Tests pass a fresh
// prometheus.NewRegistry() so several cores can coexist.
func NewMetricsWith(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		CoreOpsApplied: f.NewCounterVec(prometheus.CounterOpts{
			Name: "lend_core_operations_applied_total",
			Help: "Operations committed by the core",
		}, []string{"command_type"}),
		CoreOpsRejected: f.NewCounterVec(prometheus.CounterOpts{
			Name: "lend_core_operations_rejected_total",
			Help: "Operations rejected by the core, by error code",
		}, []string{"command_type", "code"}),
		CoreOpDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "lend_core_operation_duration_seconds",
			Help:    "Time to dispatch, validate and hash one operation",
			Buckets: []float64{0.00001, 0.00005, 0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05},
		}, []string{"command_type"}),
		CoreEventsEmitted: f.NewCounterVec(prometheus.CounterOpts{
			Name: "lend_core_events_emitted_total",
			Help: "Protocol events emitted by committed operations",
		}, []string{"event_type"}),
		CoreSequence: f.NewGauge(prometheus.GaugeOpts{
			Name: "lend_core_sequence",
			Help: "Last committed operation sequence",
		}),
		CoreBlock: f.NewGauge(prometheus.GaugeOpts{
			Name: "lend_core_block",
			Help: "Current protocol block",
		}),

		ChannelSize: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "lend_channel_size",
			Help: "Buffered items per internal channel",
		}, []string{"channel"}),
		ProjectionDrops: f.NewCounter(prometheus.CounterOpts{
			Name: "lend_projection_drops_total",
			Help: "Core outputs dropped because the projection channel was full",
		}),
		PublishDrops: f.NewCounter(prometheus.CounterOpts{
			Name: "lend_publish_drops_total",
			Help: "Outbound events dropped because the publish channel was full",
		}),
		PersistBackpressure: f.NewCounter(prometheus.CounterOpts{
			Name: "lend_persist_backpressure_total",
			Help: "Times the core blocked on a full persist channel",
		}),

		IdempotencyDuplicates: f.NewCounterVec(prometheus.CounterOpts{
			Name: "lend_idempotency_duplicates_total",
			Help: "Operations acknowledged as duplicates, by the tier that recognized them",
		}, []string{"command_type", "tier"}),
		DedupLookupErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "lend_dedup_lookup_errors_total",
			Help: "Operation log lookups that failed and were treated as unseen",
		}),
		DedupLRUSize: f.NewGauge(prometheus.GaugeOpts{
			Name: "lend_dedup_lru_size",
			Help: "Operation ids held in the dedup LRU",
		}),
		PriceSequenceGaps: f.NewCounterVec(prometheus.CounterOpts{
			Name: "lend_price_sequence_gaps_total",
			Help: "Price updates that skipped feeder sequences",
		}, []string{"asset"}),
		PriceStale: f.NewCounterVec(prometheus.CounterOpts{
			Name: "lend_price_stale_total",
			Help: "Price updates dropped as stale",
		}, []string{"asset"}),

		PoolUtilization: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "lend_pool_utilization_ratio",
			Help: "Borrows over cash plus borrows minus reserves",
		}, []string{"asset"}),
		PoolExchangeRate: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "lend_pool_exchange_rate",
			Help: "Underlying per share",
		}, []string{"asset"}),
		PoolTotalBorrows: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "lend_pool_total_borrows",
			Help: "Outstanding borrows in underlying units",
		}, []string{"asset"}),
		OraclePrice: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "lend_oracle_price",
			Help: "Last accepted oracle price",
		}, []string{"asset"}),

		Liquidations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "lend_liquidations_total",
			Help: "Completed liquidations by debt asset and kind",
		}, []string{"asset", "kind"}),
		LiquidationSeizeSteps: f.NewCounterVec(prometheus.CounterOpts{
			Name: "lend_liquidation_seize_steps_total",
			Help: "Collateral seizures by collateral asset",
		}, []string{"asset"}),
		LiquidationPoolBalance: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "lend_liquidation_pool_balance",
			Help: "Liquidation pool balance in underlying units",
		}, []string{"asset"}),
		BalancerSwaps: f.NewCounterVec(prometheus.CounterOpts{
			Name: "lend_balancer_swaps_total",
			Help: "Liquidation pool balancing attempts by result",
		}, []string{"asset", "result"}),

		MntClaimed: f.NewCounter(prometheus.CounterOpts{
			Name: "lend_mnt_claims_total",
			Help: "Successful MNT claims",
		}),

		PersistOpsWritten: f.NewCounter(prometheus.CounterOpts{
			Name: "lend_persist_operations_written_total",
			Help: "Operations written to the event log",
		}),
		PersistEventsWritten: f.NewCounter(prometheus.CounterOpts{
			Name: "lend_persist_events_written_total",
			Help: "Event rows written to the event log",
		}),
		PersistBatchSize: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "lend_persist_batch_size",
			Help:    "Operations per persistence transaction",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250},
		}),
		PersistBatchDur: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "lend_persist_batch_duration_seconds",
			Help:    "Time to write one persistence batch",
			Buckets: prometheus.DefBuckets,
		}),
		PersistErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "lend_persist_errors_total",
			Help: "Persistence failures by stage",
		}, []string{"stage"}),
		PersistRetry: f.NewCounter(prometheus.CounterOpts{
			Name: "lend_persist_retry_total",
			Help: "Persistence batch retries",
		}),
		PersistLastSequence: f.NewGauge(prometheus.GaugeOpts{
			Name: "lend_persist_last_sequence",
			Help: "Highest sequence durably written",
		}),

		SnapshotTaken: f.NewCounter(prometheus.CounterOpts{
			Name: "lend_snapshot_taken_total",
			Help: "Snapshots saved",
		}),
		SnapshotDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "lend_snapshot_duration_seconds",
			Help:    "Time to capture and save a snapshot",
			Buckets: prometheus.DefBuckets,
		}),
		SnapshotLastSeq: f.NewGauge(prometheus.GaugeOpts{
			Name: "lend_snapshot_last_sequence",
			Help: "Sequence of the latest snapshot",
		}),

		ProjectionUpdateDur: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "lend_projection_update_duration_seconds",
			Help:    "Time to apply one output to a projection",
			Buckets: prometheus.DefBuckets,
		}, []string{"projection"}),
		ProjectionLastSeq: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "lend_projection_last_sequence",
			Help: "Last sequence applied per projection",
		}, []string{"projection"}),

		IngestReceived: f.NewCounterVec(prometheus.CounterOpts{
			Name: "lend_ingest_received_total",
			Help: "Inbound messages by source",
		}, []string{"source"}),
		IngestInvalid: f.NewCounterVec(prometheus.CounterOpts{
			Name: "lend_ingest_invalid_total",
			Help: "Inbound messages that failed to parse",
		}, []string{"source"}),
		OutboundPublished: f.NewCounter(prometheus.CounterOpts{
			Name: "lend_outbound_published_total",
			Help: "Events published to LEND_EVENTS",
		}),
		QueryRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "lend_query_requests_total",
			Help: "Query requests by method and status",
		}, []string{"method", "status"}),
		QueryDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "lend_query_duration_seconds",
			Help:    "Query latency by method",
			Buckets: prometheus.DefBuckets,
		}, []string{"method"}),
	}
}
