package observability

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	registerOnce sync.Once

	registrations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "edgehub",
			Subsystem: "registry",
			Name:      "registrations_total",
			Help:      "Device registration attempts by outcome.",
		},
		[]string{"outcome"},
	)
	sessionOpens = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "edgehub",
			Subsystem: "session",
			Name:      "opens_total",
			Help:      "Hub session open attempts by outcome.",
		},
		[]string{"device", "outcome"},
	)
	messages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "edgehub",
			Subsystem: "receive",
			Name:      "messages_total",
			Help:      "Inbound messages finalized by outcome.",
		},
		[]string{"device", "outcome"},
	)
	dispatchDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "edgehub",
			Subsystem: "receive",
			Name:      "dispatch_duration_seconds",
			Help:      "Handler dispatch duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"device"},
	)
	loopStops = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "edgehub",
			Subsystem: "receive",
			Name:      "loop_stops_total",
			Help:      "Receive loop terminations by reason.",
		},
		[]string{"device", "reason"},
	)
	reconnects = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "edgehub",
			Subsystem: "agent",
			Name:      "reconnects_total",
			Help:      "Agent session rebuild attempts by outcome.",
		},
		[]string{"device", "outcome"},
	)
	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "edgehub",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Agent status server requests.",
		},
		[]string{"node", "method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "edgehub",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Agent status server request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"node", "method", "path", "status"},
	)
)

const (
	OutcomeCreated  = "created"
	OutcomeExisting = "existing"
	OutcomeFailed   = "failed"
	OutcomeOK       = "ok"
	OutcomeAcked    = "acked"
	OutcomeRejected = "rejected"

	StopClosed    = "closed"
	StopTransport = "transport"
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			registrations,
			sessionOpens,
			messages,
			dispatchDuration,
			loopStops,
			reconnects,
			httpRequests,
			httpDuration,
		)
	})
}

func RecordRegistration(outcome string) {
	RegisterMetrics()
	registrations.WithLabelValues(outcome).Inc()
}

func RecordSessionOpen(device string, ok bool) {
	RegisterMetrics()
	outcome := OutcomeOK
	if !ok {
		outcome = OutcomeFailed
	}
	sessionOpens.WithLabelValues(device, outcome).Inc()
}

func RecordMessage(device, outcome string, dispatch time.Duration) {
	RegisterMetrics()
	messages.WithLabelValues(device, outcome).Inc()
	dispatchDuration.WithLabelValues(device).Observe(dispatch.Seconds())
}

func RecordLoopStop(device, reason string) {
	RegisterMetrics()
	loopStops.WithLabelValues(device, reason).Inc()
}

func RecordReconnect(device string, ok bool) {
	RegisterMetrics()
	outcome := OutcomeOK
	if !ok {
		outcome = OutcomeFailed
	}
	reconnects.WithLabelValues(device, outcome).Inc()
}

func RecordHTTPRequest(node, method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(node, method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(node, method, path, statusLabel).Observe(duration.Seconds())
}

// Handler serves the default registry in Prometheus text format.
func Handler() http.Handler {
	RegisterMetrics()
	return promhttp.Handler()
}
