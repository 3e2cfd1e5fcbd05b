package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/kozaktomas/face-attendance/internal/apperr"
	"github.com/kozaktomas/face-attendance/internal/database"
	"github.com/pgvector/pgvector-go"
)

// GetIdentity retrieves a single identity by id.
func (s *Store) GetIdentity(ctx context.Context, id int64) (*database.Identity, error) {
	var (
		ident database.Identity
		enc   pgvector.Vector
	)
	err := s.pool.QueryRow(ctx, `
		SELECT id, full_name, email, external_id, encoding, created_at
		FROM identities
		WHERE id = $1
	`, id).Scan(&ident.ID, &ident.FullName, &ident.Email, &ident.ExternalID, &enc, &ident.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.Newf(apperr.ErrNotFound, "identity %d not found", id)
	}
	if err != nil {
		return nil, storageError(err, "get identity")
	}
	ident.Encoding = enc.Slice()
	return &ident, nil
}

// ListEncodings loads every encoding in a single statement, which PostgreSQL
// evaluates against one snapshot.
func (s *Store) ListEncodings(ctx context.Context) (map[int64][]float32, error) {
	rows, err := s.pool.Query(ctx, "SELECT id, encoding FROM identities")
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
	if err := s.pool.QueryRow(ctx, "SELECT COUNT(*) FROM identities").Scan(&count); err != nil {
		return 0, storageError(err, "count identities")
	}
	return count, nil
}

// InsertIdentity inserts a new identity. The UNIQUE constraints on email and
// external_id make the uniqueness check and the insert a single atomic step.
func (s *Store) InsertIdentity(ctx context.Context, ni database.NewIdentity) (int64, error) {
	var id int64
	err := s.pool.QueryRow(ctx, `
		INSERT INTO identities (full_name, email, external_id, encoding)
		VALUES ($1, $2, $3, $4)
		RETURNING id
	`, ni.FullName, ni.Email, ni.ExternalID, pgvector.NewVector(ni.Encoding)).Scan(&id)
	if err != nil {
		return 0, storageError(err, "insert identity")
	}
	return id, nil
}
