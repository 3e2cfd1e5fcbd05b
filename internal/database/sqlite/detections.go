package sqlite

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
	meta := e.Metadata
	if meta == nil {
		meta = map[string]any{}
	}
	raw, err := json.Marshal(meta)
	if err != nil {
		return 0, fmt.Errorf("marshal detection metadata: %w", err)
	}
	detectedAt := e.DetectedAt
	if detectedAt.IsZero() {
		detectedAt = time.Now()
	}

	var id int64
	err = s.worker.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO detection_events
				(identity_id, filename, label, confidence, fake_probability, real_probability, metadata, detected_at_ms)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`, nullableID(e.IdentityID), e.Filename, e.Label, e.Confidence, e.FakeProbability, e.RealProbability,
			string(raw), toMillis(detectedAt))
		if err != nil {
			return err
		}
		id, err = res.LastInsertId()
		return err
	})
	if err != nil {
		return 0, storageError(err, "append detection event")
	}
	return id, nil
}

// ListDetectionEvents returns events newest first, optionally for a single identity.
func (s *Store) ListDetectionEvents(ctx context.Context, f database.DetectionFilter) ([]database.DetectionEvent, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, identity_id, filename, label, confidence, fake_probability, real_probability, metadata, detected_at_ms
		FROM detection_events
		WHERE (? IS NULL OR identity_id = ?)
		ORDER BY detected_at_ms DESC, id DESC
		LIMIT ?
	`, nullableID(f.IdentityID), nullableID(f.IdentityID), limit)
	if err != nil {
		return nil, storageError(err, "list detection events")
	}
	defer rows.Close()

	var out []database.DetectionEvent
	for rows.Next() {
		var (
			e    database.DetectionEvent
			idn  sql.NullInt64
			meta string
			ms   int64
		)
		if err := rows.Scan(&e.ID, &idn, &e.Filename, &e.Label, &e.Confidence,
			&e.FakeProbability, &e.RealProbability, &meta, &ms); err != nil {
			return nil, storageError(fmt.Errorf("scan detection event: %w", err), "list detection events")
		}
		if idn.Valid {
			v := idn.Int64
			e.IdentityID = &v
		}
		if meta != "" {
			if err := json.Unmarshal([]byte(meta), &e.Metadata); err != nil {
				return nil, fmt.Errorf("unmarshal detection metadata: %w", err)
			}
		}
		e.DetectedAt = fromMillis(ms)
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
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
		       COALESCE(SUM(CASE WHEN label = 'fake' THEN 1 ELSE 0 END), 0),
		       COALESCE(SUM(CASE WHEN label = 'real' THEN 1 ELSE 0 END), 0),
		       COALESCE(AVG(confidence), 0)
		FROM detection_events
		WHERE (? IS NULL OR identity_id = ?)
	`, nullableID(f.IdentityID), nullableID(f.IdentityID)).Scan(&stats.Total, &stats.FakeCount, &stats.RealCount, &stats.AvgConfidence)
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
