package observability

import (
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "apductl",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total admin HTTP requests.",
		},
		[]string{"device", "method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "apductl",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Admin HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"device", "method", "path", "status"},
	)
	adminAuth = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "apductl",
			Subsystem: "http",
			Name:      "auth_total",
			Help:      "Bearer token decisions on guarded admin routes.",
		},
		[]string{"device", "outcome"},
	)
	dispatchRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "apductl",
			Subsystem: "dispatch",
			Name:      "requests_total",
			Help:      "Dispatched APDU requests by opcode and outcome.",
		},
		[]string{"device", "ins", "outcome"},
	)
	dispatchFaults = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "apductl",
			Subsystem: "dispatch",
			Name:      "faults_total",
			Help:      "Handler faults translated into exception responses.",
		},
		[]string{"device", "ins", "code"},
	)
	stateClears = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "apductl",
			Subsystem: "state",
			Name:      "clears_total",
			Help:      "Shared operation state clears by reason.",
		},
		[]string{"device", "reason"},
	)
	canaryTrips = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "apductl",
			Subsystem: "canary",
			Name:      "trips_total",
			Help:      "Canary mismatches observed.",
		},
		[]string{"device"},
	)
	sessions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "apductl",
			Subsystem: "device",
			Name:      "sessions_total",
			Help:      "Dispatch sessions started, by how the previous one ended.",
		},
		[]string{"device", "cause"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequests, httpDuration, adminAuth,
			dispatchRequests, dispatchFaults,
			stateClears, canaryTrips, sessions,
		)
	})
}

func RecordHTTPRequest(device, method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(device, method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(device, method, path, statusLabel).Observe(duration.Seconds())
}

func RecordAuth(device, outcome string) {
	RegisterMetrics()
	adminAuth.WithLabelValues(device, outcome).Inc()
}

func RecordSession(device, cause string) {
	RegisterMetrics()
	sessions.WithLabelValues(device, cause).Inc()
}

// Recorder feeds dispatch loop events for one device into the process
// registry. It satisfies dispatch.Observer.
type Recorder struct {
	device string
}

func NewRecorder(device string) *Recorder {
	RegisterMetrics()
	return &Recorder{device: device}
}

func (r *Recorder) Dispatched(ins byte, outcome string) {
	dispatchRequests.WithLabelValues(r.device, insLabel(ins), outcome).Inc()
}

func (r *Recorder) Faulted(ins byte, code uint16) {
	dispatchFaults.WithLabelValues(r.device, insLabel(ins), fmt.Sprintf("0x%04x", code)).Inc()
}

func (r *Recorder) StateCleared(reason string) {
	stateClears.WithLabelValues(r.device, reason).Inc()
}

func (r *Recorder) CanaryTripped() {
	canaryTrips.WithLabelValues(r.device).Inc()
}

func insLabel(ins byte) string {
	return fmt.Sprintf("0x%02x", ins)
}
