package database

import (
	"time"
)

// DateLayout is the canonical text form of an attendance date.
const DateLayout = "2006-01-02"

// Identity represents an enrolled person. The encoding is immutable after enrollment.
type Identity struct {
	ID         int64
	FullName   string
	Email      string
	ExternalID string // employee/student number
	Encoding   []float32
	CreatedAt  time.Time
}

// NewIdentity carries the fields supplied at enrollment time.
type NewIdentity struct {
	FullName   string
	Email      string
	ExternalID string
	Encoding   []float32
}

// AttendanceKey identifies one day's attendance record for one identity.
type AttendanceKey struct {
	IdentityID int64
	Date       string // YYYY-MM-DD in the ledger's time zone
}

// AttendanceRecord is a per-day record with optional check-in and check-out timestamps.
type AttendanceRecord struct {
	ID         int64
	IdentityID int64
	Date       string
	CheckIn    *time.Time
	CheckOut   *time.Time
}

// Clone returns a deep copy so callers can mutate without touching shared state.
func (r *AttendanceRecord) Clone() *AttendanceRecord {
	if r == nil {
		return nil
	}
	c := *r
	if r.CheckIn != nil {
		t := *r.CheckIn
		c.CheckIn = &t
	}
	if r.CheckOut != nil {
		t := *r.CheckOut
		c.CheckOut = &t
	}
	return &c
}

// DetectionEvent is an append-only record of a classifier outcome.
type DetectionEvent struct {
	ID              int64
	IdentityID      *int64
	Filename        string
	Label           string
	Confidence      float64
	FakeProbability float64
	RealProbability float64
	Metadata        map[string]any
	DetectedAt      time.Time
}

// DetectionFilter restricts detection queries to a single identity when IdentityID is set.
type DetectionFilter struct {
	IdentityID *int64
	Limit      int
}

// DetectionStats aggregates detection events.
type DetectionStats struct {
	Total         int     `json:"total"`
	FakeCount     int     `json:"fake_count"`
	RealCount     int     `json:"real_count"`
	AvgConfidence float64 `json:"avg_confidence"`
}

// Detection labels.
const (
	LabelReal = "real"
	LabelFake = "fake"
)
