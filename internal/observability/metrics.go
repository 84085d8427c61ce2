package observability

import (
	"time"

	"PerpRisk/internal/state"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for PerpRisk.
type Metrics struct {
	// --- Snapshot store ---
	SnapshotGeneration prometheus.Gauge
	SnapshotSlot       prometheus.Gauge
	SnapshotUsers      prometheus.Gauge
	SnapshotMarkets    prometheus.Gauge
	SnapshotAge        prometheus.Gauge

	// --- Refresh (push and polling) ---
	UpdatesApplied  *prometheus.CounterVec
	UpdatesRejected *prometheus.CounterVec
	UpdateDuration  *prometheus.HistogramVec
	RefreshDuration prometheus.Histogram
	RefreshErrors   *prometheus.CounterVec

	// --- Channel & Backpressure ---
	ChannelSize        *prometheus.GaugeVec
	ChannelCapacity    *prometheus.GaugeVec
	ChannelUtilization *prometheus.GaugeVec
	PublishDrops       prometheus.Counter

	// --- Risk computation ---
	RiskComputations   *prometheus.CounterVec
	RiskComputeErrors  *prometheus.CounterVec
	RiskComputeDur     prometheus.Histogram
	AccountsByHealth   *prometheus.GaugeVec
	SummariesPublished prometheus.Counter

	// --- Cache ---
	CacheHits   prometheus.Counter
	CacheMisses prometheus.Counter
	CacheErrors *prometheus.CounterVec

	// --- Persistence ---
	PersistDuration  prometheus.Histogram
	PersistErrors    *prometheus.CounterVec
	PersistLastSlot  prometheus.Gauge
	ArchiveWritten   prometheus.Counter
	ArchiveDuration  prometheus.Histogram
	ArchiveSizeBytes prometheus.Gauge

	// --- Query API ---
	QueryRequests *prometheus.CounterVec
	QueryDuration *prometheus.HistogramVec
	QueryErrors   *prometheus.CounterVec
}

// NewMetrics creates and registers all Prometheus metrics with the default
// registerer.
func NewMetrics() *Metrics {
	return NewMetricsWith(prometheus.DefaultRegisterer)
}

// NewMetricsWith registers with reg; tests pass a fresh registry.
func NewMetricsWith(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	computeBuckets := []float64{
		0.000001, 0.000005, 0.00001, 0.000025, 0.00005,
		0.0001, 0.00025, 0.0005, 0.001, 0.002, 0.005, 0.01,
	}

	refreshBuckets := []float64{
		0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5,
	}

	return &Metrics{
		// Snapshot store
		SnapshotGeneration: f.NewGauge(prometheus.GaugeOpts{
			Name: "perp_risk_snapshot_generation",
			Help: "Generation of the currently published snapshot",
		}),

		SnapshotSlot: f.NewGauge(prometheus.GaugeOpts{
			Name: "perp_risk_snapshot_slot",
			Help: "Highest chain slot observed by the published snapshot",
		}),

		SnapshotUsers: f.NewGauge(prometheus.GaugeOpts{
			Name: "perp_risk_snapshot_users",
			Help: "User accounts in the published snapshot",
		}),

		SnapshotMarkets: f.NewGauge(prometheus.GaugeOpts{
			Name: "perp_risk_snapshot_perp_markets",
			Help: "Perp markets in the published snapshot",
		}),

		SnapshotAge: f.NewGauge(prometheus.GaugeOpts{
			Name: "perp_risk_snapshot_age_seconds",
			Help: "Seconds since the current snapshot was published",
		}),

		// Refresh
		UpdatesApplied: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_risk_updates_applied_total",
			Help: "State updates applied to the snapshot store",
		}, []string{"kind"}),

		UpdatesRejected: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_risk_updates_rejected_total",
			Help: "State updates rejected (parse, stale, validation)",
		}, []string{"kind", "reason"}),

		UpdateDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "perp_risk_update_apply_duration_seconds",
			Help:    "Time to apply one pushed update",
			Buckets: computeBuckets,
		}, []string{"kind"}),

		RefreshDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "perp_risk_poll_refresh_duration_seconds",
			Help:    "Time to load and publish a full polled snapshot",
			Buckets: refreshBuckets,
		}),

		RefreshErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_risk_refresh_errors_total",
			Help: "Failed snapshot refreshes",
		}, []string{"mode"}),

		// Channel & Backpressure
		ChannelSize: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "perp_risk_channel_size",
			Help: "Current items in channel",
		}, []string{"name"}),

		ChannelCapacity: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "perp_risk_channel_capacity",
			Help: "Channel capacity (constant)",
		}, []string{"name"}),

		ChannelUtilization: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "perp_risk_channel_utilization",
			Help: "Channel size / capacity (0.0-1.0)",
		}, []string{"name"}),

		PublishDrops: f.NewCounter(prometheus.CounterOpts{
			Name: "perp_risk_publish_drops_total",
			Help: "Risk summaries dropped due to full publish channel",
		}),

		// Risk computation
		RiskComputations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_risk_computations_total",
			Help: "Account risk summaries computed",
		}, []string{"source"}),

		RiskComputeErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_risk_compute_errors_total",
			Help: "Account risk computations that failed",
		}, []string{"reason"}),

		RiskComputeDur: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "perp_risk_compute_duration_seconds",
			Help:    "Time to compute one account risk summary",
			Buckets: computeBuckets,
		}),

		AccountsByHealth: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "perp_risk_accounts",
			Help: "Accounts per margin status at the last sweep",
		}, []string{"status"}),

		SummariesPublished: f.NewCounter(prometheus.CounterOpts{
			Name: "perp_risk_summaries_published_total",
			Help: "Risk summaries published to NATS",
		}),

		// Cache
		CacheHits: f.NewCounter(prometheus.CounterOpts{
			Name: "perp_risk_cache_hits_total",
			Help: "Risk summary cache hits",
		}),

		CacheMisses: f.NewCounter(prometheus.CounterOpts{
			Name: "perp_risk_cache_misses_total",
			Help: "Risk summary cache misses",
		}),

		CacheErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_risk_cache_errors_total",
			Help: "Redis errors by operation",
		}, []string{"op"}),

		// Persistence
		PersistDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "perp_risk_persist_duration_seconds",
			Help:    "Time to mirror one generation into the risk schema",
			Buckets: refreshBuckets,
		}),

		PersistErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_risk_persist_errors_total",
			Help: "Persistence failures by stage",
		}, []string{"stage"}),

		PersistLastSlot: f.NewGauge(prometheus.GaugeOpts{
			Name: "perp_risk_persist_last_slot",
			Help: "Slot of the last generation mirrored to Postgres",
		}),

		ArchiveWritten: f.NewCounter(prometheus.CounterOpts{
			Name: "perp_risk_archive_snapshots_total",
			Help: "Snapshots written to the archive",
		}),

		ArchiveDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "perp_risk_archive_duration_seconds",
			Help:    "Time to write one archived snapshot",
			Buckets: refreshBuckets,
		}),

		ArchiveSizeBytes: f.NewGauge(prometheus.GaugeOpts{
			Name: "perp_risk_archive_size_bytes",
			Help: "Size of the last archived snapshot",
		}),

		// Query API
		QueryRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_risk_query_requests_total",
			Help: "Query requests",
		}, []string{"endpoint", "status"}),

		QueryDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "perp_risk_query_duration_seconds",
			Help:    "Query request duration",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1},
		}, []string{"endpoint"}),

		QueryErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_risk_query_errors_total",
			Help: "Query errors",
		}, []string{"endpoint", "error_type"}),
	}
}

// SetChannelMetrics updates channel gauges for a named channel.
func (m *Metrics) SetChannelMetrics(name string, size, capacity int) {
	m.ChannelSize.WithLabelValues(name).Set(float64(size))
	m.ChannelCapacity.WithLabelValues(name).Set(float64(capacity))
	if capacity > 0 {
		m.ChannelUtilization.WithLabelValues(name).Set(float64(size) / float64(capacity))
	}
}

// ObserveSnapshot records the shape of a newly published snapshot.
func (m *Metrics) ObserveSnapshot(s *state.Snapshot) {
	m.SnapshotGeneration.Set(float64(s.Generation))
	m.SnapshotSlot.Set(float64(s.Slot))
	m.SnapshotUsers.Set(float64(len(s.Users)))
	m.SnapshotMarkets.Set(float64(len(s.PerpMarkets)))
	m.SnapshotAge.Set(time.Since(s.PublishedAt).Seconds())
}
