package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the vault service.
type Metrics struct {
	// --- Vault actions ---
	ActionsTotal     *prometheus.CounterVec
	ActionDuration   *prometheus.HistogramVec
	Rejections       *prometheus.CounterVec
	Liquidations     *prometheus.CounterVec
	VaultSequence    prometheus.Gauge
	PoolAmount       *prometheus.GaugeVec
	FeeReserve       *prometheus.GaugeVec
	OpenPositions    prometheus.Gauge
	AumUsd           prometheus.Gauge
	OutputDrops      prometheus.Counter
	SequencerBacklog prometheus.Gauge

	// --- Outbound ---
	EventsPublished *prometheus.CounterVec
	PublishErrors   prometheus.Counter
	WSClients       prometheus.Gauge
	FanoutDrops     *prometheus.CounterVec

	// --- Persistence ---
	PersistEventsWritten   prometheus.Counter
	PersistJournalsWritten prometheus.Counter
	PersistBatchDur        prometheus.Histogram
	PersistErrors          *prometheus.CounterVec
	PersistRetry           prometheus.Counter
	PersistLastSequence    prometheus.Gauge

	// --- Snapshot ---
	SnapshotTaken     prometheus.Counter
	SnapshotSizeBytes prometheus.Gauge
	SnapshotLastSeq   prometheus.Gauge

	// --- API ---
	QueryRequests *prometheus.CounterVec
	QueryDuration *prometheus.HistogramVec
}

// NewMetrics creates all metrics and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	latencyBuckets := []float64{
		0.000005, 0.00001, 0.000025, 0.00005,
		0.0001, 0.00025, 0.0005, 0.001, 0.002, 0.005, 0.01,
	}

	return &Metrics{
		ActionsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_vault_actions_total",
			Help: "Vault actions by outcome",
		}, []string{"action", "result"}),

		ActionDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "perp_vault_action_duration_seconds",
			Help:    "Time to execute one vault action",
			Buckets: latencyBuckets,
		}, []string{"action"}),

		Rejections: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_vault_rejections_total",
			Help: "Rejected actions by error code",
		}, []string{"code", "category"}),

		Liquidations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_vault_liquidations_total",
			Help: "Liquidations by verdict (1 full, 2 leverage)",
		}, []string{"verdict"}),

		VaultSequence: f.NewGauge(prometheus.GaugeOpts{
			Name: "perp_vault_sequence",
			Help: "Committed action count",
		}),

		PoolAmount: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "perp_vault_pool_amount_tokens",
			Help: "Pool amount per token, in whole tokens",
		}, []string{"token"}),

		FeeReserve: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "perp_vault_fee_reserve_tokens",
			Help: "Fee reserve per token, in whole tokens",
		}, []string{"token"}),

		OpenPositions: f.NewGauge(prometheus.GaugeOpts{
			Name: "perp_vault_open_positions",
			Help: "Open positions",
		}),

		AumUsd: f.NewGauge(prometheus.GaugeOpts{
			Name: "perp_vault_aum_usd",
			Help: "Assets under management at max prices, USD",
		}),

		OutputDrops: f.NewCounter(prometheus.CounterOpts{
			Name: "perp_events_dropped_total",
			Help: "Committed outputs abandoned after the output pipeline stopped",
		}),

		SequencerBacklog: f.NewGauge(prometheus.GaugeOpts{
			Name: "perp_sequencer_backlog",
			Help: "Requests waiting for the sequencer",
		}),

		EventsPublished: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_events_published_total",
			Help: "Events published to NATS",
		}, []string{"event_type"}),

		PublishErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "perp_publish_errors_total",
			Help: "NATS publish failures",
		}),

		WSClients: f.NewGauge(prometheus.GaugeOpts{
			Name: "perp_ws_clients",
			Help: "Connected websocket clients",
		}),

		FanoutDrops: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_fanout_dropped_total",
			Help: "Events not handed to a best-effort sink because it was full",
		}, []string{"sink"}),

		PersistEventsWritten: f.NewCounter(prometheus.CounterOpts{
			Name: "perp_persist_events_written_total",
			Help: "Events written to Postgres",
		}),

		PersistJournalsWritten: f.NewCounter(prometheus.CounterOpts{
			Name: "perp_persist_journals_written_total",
			Help: "Journal entries written to Postgres",
		}),

		PersistBatchDur: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "perp_persist_batch_latency_seconds",
			Help:    "Postgres batch write duration",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25},
		}),

		PersistErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_persist_errors_total",
			Help: "Persistence errors",
		}, []string{"error_type"}),

		PersistRetry: f.NewCounter(prometheus.CounterOpts{
			Name: "perp_persist_retry_total",
			Help: "Persistence retries",
		}),

		PersistLastSequence: f.NewGauge(prometheus.GaugeOpts{
			Name: "perp_persist_last_sequence",
			Help: "Last persisted action sequence",
		}),

		SnapshotTaken: f.NewCounter(prometheus.CounterOpts{
			Name: "perp_snapshot_taken_total",
			Help: "Snapshots created",
		}),

		SnapshotSizeBytes: f.NewGauge(prometheus.GaugeOpts{
			Name: "perp_snapshot_size_bytes",
			Help: "Last snapshot size",
		}),

		SnapshotLastSeq: f.NewGauge(prometheus.GaugeOpts{
			Name: "perp_snapshot_last_sequence",
			Help: "Sequence of last snapshot",
		}),

		QueryRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_query_requests_total",
			Help: "API requests",
		}, []string{"endpoint", "status"}),

		QueryDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "perp_query_duration_seconds",
			Help:    "API latency",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
		}, []string{"endpoint"}),
	}
}
