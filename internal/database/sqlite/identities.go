package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/kozaktomas/face-attendance/internal/apperr"
	"github.com/kozaktomas/face-attendance/internal/database"
	"github.com/pgvector/pgvector-go"
)

// Encodings are stored as TEXT in pgvector's "[x,y,...]" form so both backends
// share one encoding representation.

// GetIdentity retrieves a single identity by id.
func (s *Store) GetIdentity(ctx context.Context, id int64) (*database.Identity, error) {
	var (
		ident     database.Identity
		enc       pgvector.Vector
		createdMs int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, full_name, email, external_id, encoding, created_at_ms
		FROM identities
		WHERE id = ?
	`, id).Scan(&ident.ID, &ident.FullName, &ident.Email, &ident.ExternalID, &enc, &createdMs)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.Newf(apperr.ErrNotFound, "identity %d not found", id)
	}
	if err != nil {
		return nil, storageError(err, "get identity")
	}
	ident.Encoding = enc.Slice()
	ident.CreatedAt = fromMillis(createdMs)
	return &ident, nil
}

// ListEncodings loads every encoding with one SELECT, which SQLite answers from a
// single read snapshot.
func (s *Store) ListEncodings(ctx context.Context) (map[int64][]float32, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT id, encoding FROM identities")
	if err != nil {
		return nil, storageError(err, "list encodings")
	}
	defer rows.Close()

	out := make(map[int64][]float32)
	for rows.Next() {
		var (
			id  int64
			enc pgvector.Vector
		)
		if err := rows.Scan(&id, &enc); err != nil {
			return nil, storageError(fmt.Errorf("scan encoding: %w", err), "list encodings")
		}
		out[id] = enc.Slice()
	}
	if err := rows.Err(); err != nil {
		return nil, storageError(err, "list encodings")
	}
	return out, nil
}

// CountIdentities returns the number of enrolled identities.
func (s *Store) CountIdentities(ctx context.Context) (int, error) {
	var count int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM identities").Scan(&count); err != nil {
		return 0, storageError(err, "count identities")
	}
	return count, nil
}

// InsertIdentity inserts a new identity; the UNIQUE constraints reject duplicates.
func (s *Store) InsertIdentity(ctx context.Context, ni database.NewIdentity) (int64, error) {
	var id int64
	err := s.worker.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO identities (full_name, email, external_id, encoding, created_at_ms)
			VALUES (?, ?, ?, ?, ?)
		`, ni.FullName, ni.Email, ni.ExternalID, pgvector.NewVector(ni.Encoding), toMillis(time.Now()))
		if err != nil {
			return err
		}
		id, err = res.LastInsertId()
		return err
	})
	if err != nil {
		return 0, storageError(err, "insert identity")
	}
	return id, nil
}
