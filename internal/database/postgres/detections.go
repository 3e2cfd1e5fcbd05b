package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/kozaktomas/face-attendance/internal/database"
)

// AppendDetectionEvent stores a classifier outcome.
func (s *Store) AppendDetectionEvent(ctx context.Context, e database.DetectionEvent) (int64, error) {
	meta, err := json.Marshal(metadataOrEmpty(e.Metadata))
	if err != nil {
		return 0, fmt.Errorf("marshal detection metadata: %w", err)
	}
	detectedAt := e.DetectedAt
	if detectedAt.IsZero() {
		detectedAt = time.Now()
	}

	var id int64
	err = s.pool.QueryRow(ctx, `
		INSERT INTO detection_events
			(identity_id, filename, label, confidence, fake_probability, real_probability, metadata, detected_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id
	`, nullableID(e.IdentityID), e.Filename, e.Label, e.Confidence, e.FakeProbability, e.RealProbability,
		string(meta), detectedAt).Scan(&id)
	if err != nil {
		return 0, storageError(err, "append detection event")
	}
	return id, nil
}

// ListDetectionEvents returns events newest first, optionally for a single identity.
func (s *Store) ListDetectionEvents(ctx context.Context, f database.DetectionFilter) ([]database.DetectionEvent, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, identity_id, filename, label, confidence, fake_probability, real_probability, metadata, detected_at
		FROM detection_events
		WHERE ($1::bigint IS NULL OR identity_id = $1)
		ORDER BY detected_at DESC, id DESC
		LIMIT $2
	`, nullableID(f.IdentityID), nullableLimit(f.Limit))
	if err != nil {
		return nil, storageError(err, "list detection events")
	}
	defer rows.Close()

	var out []database.DetectionEvent
	for rows.Next() {
		var (
			e    database.DetectionEvent
			idn  sql.NullInt64
			meta []byte
		)
		if err := rows.Scan(&e.ID, &idn, &e.Filename, &e.Label, &e.Confidence,
			&e.FakeProbability, &e.RealProbability, &meta, &e.DetectedAt); err != nil {
			return nil, storageError(fmt.Errorf("scan detection event: %w", err), "list detection events")
		}
		if idn.Valid {
			v := idn.Int64
			e.IdentityID = &v
		}
		if len(meta) > 0 {
			if err := json.Unmarshal(meta, &e.Metadata); err != nil {
				return nil, fmt.Errorf("unmarshal detection metadata: %w", err)
			}
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, storageError(err, "list detection events")
	}
	return out, nil
}

// DetectionStats aggregates events, optionally for a single identity.
func (s *Store) DetectionStats(ctx context.Context, f database.DetectionFilter) (*database.DetectionStats, error) {
	var stats database.DetectionStats
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*),
		       COUNT(*) FILTER (WHERE label = 'fake'),
		       COUNT(*) FILTER (WHERE label = 'real'),
		       COALESCE(AVG(confidence), 0)
		FROM detection_events
		WHERE ($1::bigint IS NULL OR identity_id = $1)
	`, nullableID(f.IdentityID)).Scan(&stats.Total, &stats.FakeCount, &stats.RealCount, &stats.AvgConfidence)
	if err != nil {
		return nil, storageError(err, "detection stats")
	}
	return &stats, nil
}

func nullableID(id *int64) sql.NullInt64 {
	if id == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *id, Valid: true}
}

// nullableLimit maps a non-positive limit to NULL, which PostgreSQL treats as unlimited.
func nullableLimit(limit int) sql.NullInt64 {
	if limit <= 0 {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(limit), Valid: true}
}

func metadataOrEmpty(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
