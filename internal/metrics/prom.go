package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	buildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name:        "mcprelay_build_info",
			Help:        "Build information",
			ConstLabels: prometheus.Labels{"component": "relay"},
		},
		[]string{"date", "sha", "version"},
	)

	connectionsOpen = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "mcprelay_connections_open",
			Help: "Number of open client connections",
		},
	)

	sessionsLive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "mcprelay_sessions",
			Help: "Number of sessions held by the relay, detached ones included",
		},
	)

	pendingRequests = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "mcprelay_pending_requests",
			Help: "Number of requests awaiting an executor result",
		},
	)

	framesRouted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mcprelay_frames_routed_total",
			Help: "Inbound frames by routing decision",
		},
		[]string{"kind"},
	)

	dispatchTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mcprelay_dispatch_total",
			Help: "Executor invocations by server and outcome",
		},
		[]string{"server", "outcome"},
	)

	dispatchFailed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mcprelay_dispatch_failed_total",
			Help: "Executor invocations that timed out or crashed",
		},
		[]string{"server"},
	)

	dispatchDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mcprelay_dispatch_duration_seconds",
			Help:    "Executor invocation duration",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"server", "outcome"},
	)

	rejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mcprelay_rejections_total",
			Help: "Connections and requests refused by the relay",
		},
		[]string{"reason"},
	)
)

// Register registers all metrics with the provided registerer.
func Register(r prometheus.Registerer) {
	r.MustRegister(buildInfo, connectionsOpen, sessionsLive, pendingRequests, framesRouted, dispatchTotal, dispatchFailed, dispatchDuration, rejections)
}

// SetBuildInfo sets the build info metric.
func SetBuildInfo(version, sha, date string) {
	buildInfo.WithLabelValues(date, sha, version).Set(1)
}

func ConnectionOpened() { connectionsOpen.Inc() }
func ConnectionClosed() { connectionsOpen.Dec() }

// SetSessions records the current session count.
func SetSessions(n int) { sessionsLive.Set(float64(n)) }

func PendingAdded()   { pendingRequests.Inc() }
func PendingRemoved() { pendingRequests.Dec() }

// FrameRouted counts an inbound frame by its routing kind.
func FrameRouted(kind string) { framesRouted.WithLabelValues(kind).Inc() }

// ObserveDispatch records one executor invocation. Outcomes other than ok and
// rpc_error count as failures.
func ObserveDispatch(server, outcome string, d time.Duration) {
	dispatchTotal.WithLabelValues(server, outcome).Inc()
	dispatchDuration.WithLabelValues(server, outcome).Observe(d.Seconds())
	if outcome != OutcomeOK && outcome != OutcomeRPCError {
		dispatchFailed.WithLabelValues(server).Inc()
	}
}

// Rejected counts a refusal by reason.
func Rejected(reason string) { rejections.WithLabelValues(reason).Inc() }

// Dispatch outcomes.
const (
	OutcomeOK              = "ok"
	OutcomeRPCError        = "rpc_error"
	OutcomeTimeout         = "timeout"
	OutcomeCrash           = "crash"
	OutcomeOutOfMemory     = "oom"
	OutcomeInvalidMetadata = "invalid_metadata"
)
