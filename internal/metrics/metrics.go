// Package metrics holds the Prometheus collectors of the service. Collectors live on a
// Metrics value registered against an explicit registry; a nil *Metrics records nothing.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "face_attendance"

// Metrics bundles every collector.
type Metrics struct {
	// identifyOutcomes counts Identify results.
	// Labels: outcome (matched, no_match, no_candidates, invalid_input, error)
	identifyOutcomes *prometheus.CounterVec

	// identifyDistance tracks the distance of matched probes.
	identifyDistance prometheus.Histogram

	// enrollments counts enrollment attempts.
	// Labels: result (ok or an error code)
	enrollments *prometheus.CounterVec

	// authAttempts counts login attempts.
	// Labels: result (ok, no_face, ambiguous_or_no_match, empty_registry, error)
	authAttempts *prometheus.CounterVec

	// activeSessions is the number of live sessions.
	activeSessions prometheus.Gauge

	// attendanceTransitions counts ledger operations.
	// Labels: op (check_in, check_out), result (ok or an error code)
	attendanceTransitions *prometheus.CounterVec

	// detections counts classified images.
	// Labels: label (real, fake, error)
	detections *prometheus.CounterVec

	// classifyLatency measures classifier calls.
	// Labels: provider
	classifyLatency *prometheus.HistogramVec

	// httpRequests measures HTTP handling.
	// Labels: method, route, status
	httpRequests *prometheus.HistogramVec
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		identifyOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "matcher",
			Name:      "identify_total",
			Help:      "Identify calls by outcome",
		}, []string{"outcome"}),
		identifyDistance: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "matcher",
			Name:      "match_distance",
			Help:      "Euclidean distance of matched probes",
			Buckets:   []float64{0.1, 0.2, 0.3, 0.4, 0.45, 0.5, 0.55, 0.6, 0.7, 0.8},
		}),
		enrollments: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "matcher",
			Name:      "enrollments_total",
			Help:      "Enrollment attempts by result",
		}, []string{"result"}),
		authAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "auth_attempts_total",
			Help:      "Face login attempts by result",
		}, []string{"result"}),
		activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "active_sessions",
			Help:      "Number of live sessions",
		}),
		attendanceTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "transitions_total",
			Help:      "Check-in and check-out attempts by result",
		}, []string{"op", "result"}),
		detections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "detection",
			Name:      "images_total",
			Help:      "Classified images by label",
		}, []string{"label"}),
		classifyLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "detection",
			Name:      "classify_duration_seconds",
			Help:      "Classifier latency in seconds",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		}, []string{"provider"}),
		httpRequests: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),
	}

	reg.MustRegister(
		m.identifyOutcomes,
		m.identifyDistance,
		m.enrollments,
		m.authAttempts,
		m.activeSessions,
		m.attendanceTransitions,
		m.detections,
		m.classifyLatency,
		m.httpRequests,
	)
	return m
}

// RecordIdentify records an Identify outcome and, for matches, the distance.
func (m *Metrics) RecordIdentify(outcome string, distance float64, matched bool) {
	if m == nil {
		return
	}
	m.identifyOutcomes.WithLabelValues(outcome).Inc()
	if matched {
		m.identifyDistance.Observe(distance)
	}
}

// RecordEnrollment records an enrollment attempt.
func (m *Metrics) RecordEnrollment(result string) {
	if m == nil {
		return
	}
	m.enrollments.WithLabelValues(result).Inc()
}

// RecordAuth records a login attempt.
func (m *Metrics) RecordAuth(result string) {
	if m == nil {
		return
	}
	m.authAttempts.WithLabelValues(result).Inc()
}

// SetActiveSessions sets the live session gauge.
func (m *Metrics) SetActiveSessions(n int) {
	if m == nil {
		return
	}
	m.activeSessions.Set(float64(n))
}

// RecordAttendance records a ledger operation.
func (m *Metrics) RecordAttendance(op, result string) {
	if m == nil {
		return
	}
	m.attendanceTransitions.WithLabelValues(op, result).Inc()
}

// RecordDetection records a classification and how long it took.
func (m *Metrics) RecordDetection(provider, label string, d time.Duration) {
	if m == nil {
		return
	}
	m.detections.WithLabelValues(label).Inc()
	m.classifyLatency.WithLabelValues(provider).Observe(d.Seconds())
}

// ObserveHTTP records a served request.
func (m *Metrics) ObserveHTTP(method, route string, status int, d time.Duration) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Observe(d.Seconds())
}
