package metrics

import (
	"context"
	"errors"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Metrics holds the collectors shared by the trust and sync subsystems.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	// Sync metrics
	SyncCycles       *prometheus.CounterVec // by outcome
	SyncItemsPulled  prometheus.Counter
	SyncItemsSkipped prometheus.Counter
	SyncOpsPushed    *prometheus.CounterVec // by op
	SyncQueueDepth   *prometheus.GaugeVec   // by namespace
	SyncBackoff      prometheus.Histogram
	SyncPhase        *prometheus.GaugeVec // by namespace, phase

	// Witness metrics
	SignaturesIngested *prometheus.CounterVec // by result
	Verifications      *prometheus.CounterVec // by outcome
	GatingViolations   *prometheus.CounterVec // by reason

	// Registry metrics
	Revocations     *prometheus.CounterVec // by kind
	AnchorMutations *prometheus.CounterVec // by op
	PolicyDenials   prometheus.Counter
}

// New creates and registers the collectors with registry
func New(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	f := promauto.With(registry)

	return &Metrics{
		SyncCycles: f.NewCounterVec(prometheus.CounterOpts{
			Name: "trustsync_sync_cycles_total",
			Help: "Sync cycles by outcome",
		}, []string{"outcome"}),
		SyncItemsPulled: f.NewCounter(prometheus.CounterOpts{
			Name: "trustsync_sync_items_pulled_total",
			Help: "Remote items applied locally",
		}),
		SyncItemsSkipped: f.NewCounter(prometheus.CounterOpts{
			Name: "trustsync_sync_items_skipped_total",
			Help: "Remote items ignored because the local copy was as new or newer",
		}),
		SyncOpsPushed: f.NewCounterVec(prometheus.CounterOpts{
			Name: "trustsync_sync_ops_pushed_total",
			Help: "Queued operations sent to the remote",
		}, []string{"op"}),
		SyncQueueDepth: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "trustsync_sync_queue_depth",
			Help: "Pending local operations awaiting push",
		}, []string{"namespace"}),
		SyncBackoff: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "trustsync_sync_backoff_seconds",
			Help:    "Delay applied after a failed sync cycle",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10),
		}),
		SyncPhase: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "trustsync_sync_phase",
			Help: "1 for the current engine phase, 0 otherwise",
		}, []string{"namespace", "phase"}),

		SignaturesIngested: f.NewCounterVec(prometheus.CounterOpts{
			Name: "trustsync_witness_signatures_total",
			Help: "Witness signature ingestion attempts by result",
		}, []string{"result"}),
		Verifications: f.NewCounterVec(prometheus.CounterOpts{
			Name: "trustsync_witness_verifications_total",
			Help: "Checkpoint threshold evaluations by outcome",
		}, []string{"outcome"}),
		GatingViolations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "trustsync_witness_gating_violations_total",
			Help: "Witness requests rejected before mutation",
		}, []string{"reason"}),

		Revocations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "trustsync_revocations_total",
			Help: "Revocations recorded by kind",
		}, []string{"kind"}),
		AnchorMutations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "trustsync_trust_anchor_mutations_total",
			Help: "Trust anchor mutations by operation",
		}, []string{"op"}),
		PolicyDenials: f.NewCounter(prometheus.CounterOpts{
			Name: "trustsync_policy_denials_total",
			Help: "Operations rejected by the policy hook",
		}),
	}
}

func (m *Metrics) IncSignature(result string) {
	if m == nil {
		return
	}
	m.SignaturesIngested.WithLabelValues(result).Inc()
}

func (m *Metrics) IncVerification(outcome string) {
	if m == nil {
		return
	}
	m.Verifications.WithLabelValues(outcome).Inc()
}

func (m *Metrics) IncGating(reason string) {
	if m == nil {
		return
	}
	m.GatingViolations.WithLabelValues(reason).Inc()
}

func (m *Metrics) IncRevocation(kind string) {
	if m == nil {
		return
	}
	m.Revocations.WithLabelValues(kind).Inc()
}

func (m *Metrics) IncAnchor(op string) {
	if m == nil {
		return
	}
	m.AnchorMutations.WithLabelValues(op).Inc()
}

func (m *Metrics) IncPolicyDenial() {
	if m == nil {
		return
	}
	m.PolicyDenials.Inc()
}

func (m *Metrics) IncSyncCycle(outcome string) {
	if m == nil {
		return
	}
	m.SyncCycles.WithLabelValues(outcome).Inc()
}

func (m *Metrics) AddPulled(applied, skipped int) {
	if m == nil {
		return
	}
	m.SyncItemsPulled.Add(float64(applied))
	m.SyncItemsSkipped.Add(float64(skipped))
}

func (m *Metrics) IncPushed(op string) {
	if m == nil {
		return
	}
	m.SyncOpsPushed.WithLabelValues(op).Inc()
}

func (m *Metrics) SetQueueDepth(namespace string, depth int) {
	if m == nil {
		return
	}
	m.SyncQueueDepth.WithLabelValues(namespace).Set(float64(depth))
}

func (m *Metrics) ObserveBackoff(seconds float64) {
	if m == nil {
		return
	}
	m.SyncBackoff.Observe(seconds)
}

// SetPhase flips the phase gauge so exactly one phase reads 1
func (m *Metrics) SetPhase(namespace string, phases []string, current string) {
	if m == nil {
		return
	}
	for _, p := range phases {
		v := 0.0
		if p == current {
			v = 1
		}
		m.SyncPhase.WithLabelValues(namespace, p).Set(v)
	}
}

// ReadinessFunc reports whether the process can serve requests
type ReadinessFunc func(ctx context.Context) error

// RegisterHandlers mounts /metrics and the health endpoints on mux
func RegisterHandlers(mux *http.ServeMux, gatherer prometheus.Gatherer, ready ReadinessFunc) {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("/health/live", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})
	mux.HandleFunc("/health/ready", func(w http.ResponseWriter, r *http.Request) {
		if ready != nil {
			if err := ready(r.Context()); err != nil {
				w.WriteHeader(http.StatusServiceUnavailable)
				w.Write([]byte("NOT READY"))
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("READY"))
	})
}

// StartServer serves metrics and health endpoints on addr in the background
func StartServer(addr string, gatherer prometheus.Gatherer, ready ReadinessFunc, logger *zap.Logger) *http.Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	mux := http.NewServeMux()
	RegisterHandlers(mux, gatherer, ready)

	server := &http.Server{
		Addr:    addr,
		Handler: mux,
	}

	go func() {
		logger.Info("Starting metrics server", zap.String("address", addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Metrics server failed", zap.Error(err))
		}
	}()

	return server
}
