// Package sqlite stores the recording index in a local SQLite database, for
// single-host deployments and development without DynamoDB.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/otomoni/machinemon/internal/index"
	"github.com/otomoni/machinemon/internal/threshold"
)

const schema = `
CREATE TABLE IF NOT EXISTS audio_index (
	pk           TEXT NOT NULL,
	sk           TEXT NOT NULL,
	bucket       TEXT NOT NULL,
	key          TEXT NOT NULL,
	size         INTEGER NOT NULL DEFAULT 0,
	content_type TEXT NOT NULL,
	captured_at  INTEGER NOT NULL,
	equipment_id TEXT NOT NULL DEFAULT '',
	dbfs         REAL,
	PRIMARY KEY (pk, sk)
);
CREATE TABLE IF NOT EXISTS threshold_overrides (
	equipment_id TEXT PRIMARY KEY,
	override     TEXT NOT NULL,
	updated_at   INTEGER NOT NULL
);
`

// Store implements index.Store on database/sql.
type Store struct {
	db *sql.DB
}

var _ index.Store = (*Store)(nil)

// Open opens or creates the database at path and applies the schema.
// Use ":memory:" for a throwaway database.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// SQLite serializes writers; one connection also keeps ":memory:" databases shared.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Append inserts rec; an existing (pk, sk) is reported as index.ErrDuplicate.
func (s *Store) Append(ctx context.Context, rec index.Record) error {
	var dbfs sql.NullFloat64
	if rec.DBFS != nil {
		dbfs = sql.NullFloat64{Float64: *rec.DBFS, Valid: true}
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO audio_index (pk, sk, bucket, key, size, content_type, captured_at, equipment_id, dbfs)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (pk, sk) DO NOTHING`,
		rec.PK, rec.SK, rec.Bucket, rec.Key, rec.Size, rec.ContentType,
		rec.CapturedAt.UnixMilli(), rec.EquipmentID, dbfs,
	)
	if err != nil {
		return fmt.Errorf("failed to insert index record: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("append %s: %w", rec.SK, index.ErrDuplicate)
	}
	return nil
}

// QueryPartition returns up to limit records newest first. limit <= 0 means all.
func (s *Store) QueryPartition(ctx context.Context, pk string, limit int) ([]index.Record, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT pk, sk, bucket, key, size, content_type, captured_at, equipment_id, dbfs
		 FROM audio_index WHERE pk = ? ORDER BY sk DESC LIMIT ?`,
		pk, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query index: %w", err)
	}
	defer rows.Close() //nolint:errcheck // Read-only cursor

	var out []index.Record
	for rows.Next() {
		var (
			rec        index.Record
			capturedAt int64
			dbfs       sql.NullFloat64
		)
		if err := rows.Scan(&rec.PK, &rec.SK, &rec.Bucket, &rec.Key, &rec.Size,
			&rec.ContentType, &capturedAt, &rec.EquipmentID, &dbfs); err != nil {
			return nil, fmt.Errorf("failed to scan index record: %w", err)
		}
		rec.CapturedAt = time.UnixMilli(capturedAt).UTC()
		if dbfs.Valid {
			v := dbfs.Float64
			rec.DBFS = &v
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// SetLevelIfAbsent updates dbfs only where it is still NULL.
func (s *Store) SetLevelIfAbsent(ctx context.Context, pk, sk string, dbfs float64) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE audio_index SET dbfs = ? WHERE pk = ? AND sk = ? AND dbfs IS NULL`,
		dbfs, pk, sk,
	)
	if err != nil {
		return false, fmt.Errorf("failed to update index level: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to update index level: %w", err)
	}
	return n == 1, nil
}

// GetOverride returns the stored override or nil.
func (s *Store) GetOverride(ctx context.Context, equipmentID string) (*threshold.Override, error) {
	var raw string
	err := s.db.QueryRowContext(ctx,
		`SELECT override FROM threshold_overrides WHERE equipment_id = ?`, equipmentID,
	).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read threshold override: %w", err)
	}
	var o threshold.Override
	if err := json.Unmarshal([]byte(raw), &o); err != nil {
		return nil, fmt.Errorf("failed to decode threshold override: %w", err)
	}
	return &o, nil
}

// PutOverride replaces the override for equipmentID.
func (s *Store) PutOverride(ctx context.Context, equipmentID string, o threshold.Override) error {
	raw, err := json.Marshal(o)
	if err != nil {
		return fmt.Errorf("failed to encode threshold override: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO threshold_overrides (equipment_id, override, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT (equipment_id) DO UPDATE SET override = excluded.override, updated_at = excluded.updated_at`,
		equipmentID, string(raw), o.UpdatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to write threshold override: %w", err)
	}
	return nil
}
