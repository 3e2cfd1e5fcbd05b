package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/kozaktomas/face-attendance/internal/database"
)

// UpsertAttendance runs mutator inside a transaction that holds the row lock for key.
//
// The INSERT ... ON CONFLICT DO NOTHING takes the unique-index lock for a new key, so a
// concurrent caller blocks until this transaction finishes and then reads the committed
// row through SELECT ... FOR UPDATE.
func (s *Store) UpsertAttendance(ctx context.Context, key database.AttendanceKey, mutator database.AttendanceMutator) (*database.AttendanceRecord, error) {
	tx, err := s.pool.BeginTx(ctx, nil)
	if err != nil {
		return nil, storageError(err, "begin attendance transaction")
	}
	defer tx.Rollback()

	var insertedID int64
	err = tx.QueryRowContext(ctx, `
		INSERT INTO attendance (identity_id, date)
		VALUES ($1, $2::date)
		ON CONFLICT (identity_id, date) DO NOTHING
		RETURNING id
	`, key.IdentityID, key.Date).Scan(&insertedID)
	fresh := err == nil
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, storageError(err, "reserve attendance row")
	}

	row := tx.QueryRowContext(ctx, `
		SELECT id, identity_id, date, check_in, check_out
		FROM attendance
		WHERE identity_id = $1 AND date = $2::date
		FOR UPDATE
	`, key.IdentityID, key.Date)
	current, err := scanAttendance(row)
	if err != nil {
		return nil, storageError(err, "lock attendance row")
	}

	var before *database.AttendanceRecord
	if !fresh {
		before = current.Clone()
	}

	next, err := mutator(before)
	if err != nil {
		return nil, err
	}
	if next == nil {
		return before, nil
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE attendance SET check_in = $1, check_out = $2 WHERE id = $3
	`, next.CheckIn, next.CheckOut, current.ID); err != nil {
		return nil, storageError(err, "update attendance")
	}

	if err := tx.Commit(); err != nil {
		return nil, storageError(err, "commit attendance")
	}

	stored := next.Clone()
	stored.ID = current.ID
	stored.IdentityID = key.IdentityID
	stored.Date = key.Date
	return stored, nil
}

// GetAttendance returns the record for key or nil.
func (s *Store) GetAttendance(ctx context.Context, key database.AttendanceKey) (*database.AttendanceRecord, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, identity_id, date, check_in, check_out
		FROM attendance
		WHERE identity_id = $1 AND date = $2::date
	`, key.IdentityID, key.Date)
	rec, err := scanAttendance(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, storageError(err, "get attendance")
	}
	return rec, nil
}

// ListAttendance returns up to limit records, most recent date first.
func (s *Store) ListAttendance(ctx context.Context, identityID int64, limit int) ([]database.AttendanceRecord, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, identity_id, date, check_in, check_out
		FROM attendance
		WHERE identity_id = $1
		ORDER BY date DESC
		LIMIT $2
	`, identityID, limit)
	if err != nil {
		return nil, storageError(err, "list attendance")
	}
	defer rows.Close()

	var out []database.AttendanceRecord
	for rows.Next() {
		rec, err := scanAttendance(rows)
		if err != nil {
			return nil, storageError(err, "list attendance")
		}
		out = append(out, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, storageError(err, "list attendance")
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAttendance(row rowScanner) (*database.AttendanceRecord, error) {
	var (
		rec      database.AttendanceRecord
		date     time.Time
		checkIn  sql.NullTime
		checkOut sql.NullTime
	)
	if err := row.Scan(&rec.ID, &rec.IdentityID, &date, &checkIn, &checkOut); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan attendance: %w", err)
	}
	rec.Date = date.Format(database.DateLayout)
	if checkIn.Valid {
		t := checkIn.Time
		rec.CheckIn = &t
	}
	if checkOut.Valid {
		t := checkOut.Time
		rec.CheckOut = &t
	}
	return &rec, nil
}
