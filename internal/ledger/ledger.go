// Package ledger keeps one attendance record per identity and day and enforces the
// Absent -> CheckedIn -> CheckedOut progression.
package ledger

import (
	"context"
	"log/slog"
	"time"

	"github.com/kozaktomas/face-attendance/internal/apperr"
	"github.com/kozaktomas/face-attendance/internal/database"
	"github.com/kozaktomas/face-attendance/internal/metrics"
)

// Status is the state of a day's record.
type Status string

const (
	StatusAbsent     Status = "absent"
	StatusCheckedIn  Status = "checked_in"
	StatusCheckedOut Status = "checked_out"
)

// StatusOf derives the state of rec; a nil record is Absent.
func StatusOf(rec *database.AttendanceRecord) Status {
	switch {
	case rec == nil || rec.CheckIn == nil:
		return StatusAbsent
	case rec.CheckOut == nil:
		return StatusCheckedIn
	default:
		return StatusCheckedOut
	}
}

// Options configures a Ledger.
type Options struct {
	Location *time.Location   // zone the attendance date is derived in; UTC when nil
	Now      func() time.Time // clock for TodayStatus; time.Now when nil
	Metrics  *metrics.Metrics
	Logger   *slog.Logger
}

// Ledger records check-ins and check-outs.
type Ledger struct {
	store   database.AttendanceStore
	loc     *time.Location
	now     func() time.Time
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// New creates a ledger backed by store.
func New(store database.AttendanceStore, opts Options) *Ledger {
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Ledger{store: store, loc: opts.Location, now: opts.Now, metrics: opts.Metrics, logger: opts.Logger}
}

// Now returns the ledger clock's current time.
func (l *Ledger) Now() time.Time {
	return l.now()
}

// Key returns the record key for identityID on the day containing at.
func (l *Ledger) Key(identityID int64, at time.Time) database.AttendanceKey {
	return database.AttendanceKey{
		IdentityID: identityID,
		Date:       at.In(l.loc).Format(database.DateLayout),
	}
}

// CheckIn records the first arrival of the day. A second check-in on the same day
// returns apperr.ErrAlreadyCheckedIn, also when it races with the first.
func (l *Ledger) CheckIn(ctx context.Context, identityID int64, at time.Time) (*database.AttendanceRecord, error) {
	key := l.Key(identityID, at)
	rec, err := l.store.UpsertAttendance(ctx, key, func(cur *database.AttendanceRecord) (*database.AttendanceRecord, error) {
		if StatusOf(cur) != StatusAbsent {
			return nil, apperr.ErrAlreadyCheckedIn
		}
		next := cur.Clone()
		if next == nil {
			next = &database.AttendanceRecord{}
		}
		next.CheckIn = &at
		return next, nil
	})
	l.record("check_in", err)
	if err != nil {
		return nil, err
	}
	l.logger.Info("checked in", "identity_id", identityID, "date", key.Date)
	return rec, nil
}

// CheckOut records the departure for the day containing at.
func (l *Ledger) CheckOut(ctx context.Context, identityID int64, at time.Time) (*database.AttendanceRecord, error) {
	key := l.Key(identityID, at)
	rec, err := l.store.UpsertAttendance(ctx, key, func(cur *database.AttendanceRecord) (*database.AttendanceRecord, error) {
		switch StatusOf(cur) {
		case StatusAbsent:
			return nil, apperr.ErrNotCheckedIn
		case StatusCheckedOut:
			return nil, apperr.ErrAlreadyCheckedOut
		}
		if at.Before(*cur.CheckIn) {
			return nil, apperr.ErrInvalidOrder
		}
		next := cur.Clone()
		next.CheckOut = &at
		return next, nil
	})
	l.record("check_out", err)
	if err != nil {
		return nil, err
	}
	l.logger.Info("checked out", "identity_id", identityID, "date", key.Date)
	return rec, nil
}

func (l *Ledger) record(op string, err error) {
	if err != nil {
		l.metrics.RecordAttendance(op, apperr.CodeOf(err))
		return
	}
	l.metrics.RecordAttendance(op, "ok")
}

// TodayStatus returns today's record, or nil when the identity has not checked in.
func (l *Ledger) TodayStatus(ctx context.Context, identityID int64) (*database.AttendanceRecord, error) {
	return l.store.GetAttendance(ctx, l.Key(identityID, l.now()))
}

// History returns up to limit records, most recent first. A non-positive limit uses the
// default and large limits are capped.
func (l *Ledger) History(ctx context.Context, identityID int64, limit int) ([]database.AttendanceRecord, error) {
	if limit <= 0 {
		limit = database.DefaultAttendanceHistoryLimit
	}
	limit = min(limit, database.MaxAttendanceHistoryLimit)
	return l.store.ListAttendance(ctx, identityID, limit)
}
