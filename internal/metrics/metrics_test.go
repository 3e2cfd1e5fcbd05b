package metrics

import (
	"net/http"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecorders(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.RecordIdentify("matched", 0.31, true)
	m.RecordIdentify("no_match", 0, false)
	m.RecordIdentify("matched", 0.42, true)
	m.RecordEnrollment("ok")
	m.RecordEnrollment("duplicate")
	m.RecordAuth("empty_registry")
	m.SetActiveSessions(3)
	m.RecordAttendance("check_in", "ok")
	m.RecordAttendance("check_in", "already_checked_in")
	m.RecordDetection("http", "fake", 120*time.Millisecond)
	m.ObserveHTTP(http.MethodPost, "/api/v1/auth/login", http.StatusOK, 5*time.Millisecond)

	assert.InDelta(t, 2, testutil.ToFloat64(m.identifyOutcomes.WithLabelValues("matched")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.identifyOutcomes.WithLabelValues("no_match")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.enrollments.WithLabelValues("duplicate")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.authAttempts.WithLabelValues("empty_registry")), 0)
	assert.InDelta(t, 3, testutil.ToFloat64(m.activeSessions), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.attendanceTransitions.WithLabelValues("check_in", "already_checked_in")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.detections.WithLabelValues("fake")), 0)

	families, err := reg.Gather()
	require.NoError(t, err)
	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["face_attendance_matcher_match_distance"])
	assert.True(t, names["face_attendance_http_request_duration_seconds"])
	assert.True(t, names["face_attendance_detection_classify_duration_seconds"])
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.RecordIdentify("matched", 0.1, true)
		m.RecordEnrollment("ok")
		m.RecordAuth("ok")
		m.SetActiveSessions(1)
		m.RecordAttendance("check_out", "ok")
		m.RecordDetection("openai", "real", time.Second)
		m.ObserveHTTP(http.MethodGet, "/health", http.StatusOK, time.Millisecond)
	})
}

func TestDoubleRegistrationPanics(t *testing.T) {
	reg := prometheus.NewRegistry()
	New(reg)
	assert.Panics(t, func() { New(reg) })
}
