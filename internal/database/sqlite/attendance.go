package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/kozaktomas/face-attendance/internal/database"
)

// UpsertAttendance runs mutator inside a worker transaction. The worker executes one
// transaction at a time, so the mutator always sees the latest committed record.
func (s *Store) UpsertAttendance(ctx context.Context, key database.AttendanceKey, mutator database.AttendanceMutator) (*database.AttendanceRecord, error) {
	var result *database.AttendanceRecord
	err := s.worker.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `
			SELECT id, identity_id, date, check_in_ms, check_out_ms
			FROM attendance
			WHERE identity_id = ? AND date = ?
		`, key.IdentityID, key.Date)
		current, err := scanAttendance(row)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return err
		}

		next, err := mutator(current.Clone())
		if err != nil {
			return err
		}
		if next == nil {
			result = current
			return nil
		}

		stored := next.Clone()
		stored.IdentityID = key.IdentityID
		stored.Date = key.Date

		if current == nil {
			res, err := tx.ExecContext(ctx, `
				INSERT INTO attendance (identity_id, date, check_in_ms, check_out_ms)
				VALUES (?, ?, ?, ?)
			`, key.IdentityID, key.Date, nullMillis(next.CheckIn), nullMillis(next.CheckOut))
			if err != nil {
				return err
			}
			if stored.ID, err = res.LastInsertId(); err != nil {
				return err
			}
		} else {
			if _, err := tx.ExecContext(ctx, `
				UPDATE attendance SET check_in_ms = ?, check_out_ms = ? WHERE id = ?
			`, nullMillis(next.CheckIn), nullMillis(next.CheckOut), current.ID); err != nil {
				return err
			}
			stored.ID = current.ID
		}
		result = stored
		return nil
	})
	if err != nil {
		return nil, storageError(err, "upsert attendance")
	}
	return result, nil
}

// GetAttendance returns the record for key or nil.
func (s *Store) GetAttendance(ctx context.Context, key database.AttendanceKey) (*database.AttendanceRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, identity_id, date, check_in_ms, check_out_ms
		FROM attendance
		WHERE identity_id = ? AND date = ?
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
	if limit <= 0 {
		limit = -1 // no limit
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, identity_id, date, check_in_ms, check_out_ms
		FROM attendance
		WHERE identity_id = ?
		ORDER BY date DESC
		LIMIT ?
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
		checkIn  sql.NullInt64
		checkOut sql.NullInt64
	)
	if err := row.Scan(&rec.ID, &rec.IdentityID, &rec.Date, &checkIn, &checkOut); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan attendance: %w", err)
	}
	rec.CheckIn = timeFromNull(checkIn)
	rec.CheckOut = timeFromNull(checkOut)
	return &rec, nil
}
