package database

import (
	"context"
)

// IdentityReader provides read-only access to enrolled identities
type IdentityReader interface {
	// GetIdentity returns the identity with the given id, or apperr.ErrNotFound
	GetIdentity(ctx context.Context, id int64) (*Identity, error)
	// ListEncodings returns a consistent snapshot of every enrolled encoding keyed by identity id
	ListEncodings(ctx context.Context) (map[int64][]float32, error)
	// CountIdentities returns the number of enrolled identities
	CountIdentities(ctx context.Context) (int, error)
}

// IdentityWriter provides write access to identities
type IdentityWriter interface {
	IdentityReader

	// InsertIdentity stores a new identity and returns its id.
	// Uniqueness of email and external id is enforced by the store itself;
	// a collision returns apperr.ErrDuplicate naming the field.
	InsertIdentity(ctx context.Context, identity NewIdentity) (int64, error)
}

// AttendanceMutator inspects the current record (nil when none exists) and returns the
// record to persist. Returning an error aborts the transaction without writing anything.
type AttendanceMutator func(current *AttendanceRecord) (*AttendanceRecord, error)

// AttendanceStore persists per-day attendance records
type AttendanceStore interface {
	// UpsertAttendance runs mutator atomically for key. Concurrent calls for the same key are
	// serialised, so the mutator always observes the latest committed record.
	UpsertAttendance(ctx context.Context, key AttendanceKey, mutator AttendanceMutator) (*AttendanceRecord, error)
	// GetAttendance returns the record for key, or nil when none exists
	GetAttendance(ctx context.Context, key AttendanceKey) (*AttendanceRecord, error)
	// ListAttendance returns up to limit records for an identity, most recent date first
	ListAttendance(ctx context.Context, identityID int64, limit int) ([]AttendanceRecord, error)
}

// DetectionStore is the append-only detection log
type DetectionStore interface {
	// AppendDetectionEvent stores an event and returns its id
	AppendDetectionEvent(ctx context.Context, event DetectionEvent) (int64, error)
	// ListDetectionEvents returns events newest first
	ListDetectionEvents(ctx context.Context, filter DetectionFilter) ([]DetectionEvent, error)
	// DetectionStats aggregates events matching filter (Limit is ignored)
	DetectionStats(ctx context.Context, filter DetectionFilter) (*DetectionStats, error)
}

// Store bundles every relation the service needs.
type Store interface {
	IdentityWriter
	AttendanceStore
	DetectionStore

	Close() error
}
