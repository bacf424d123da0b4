package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteBaselineStore keeps baselines in a local sqlite file so anomaly
// detection does not restart cold. One row per (zone, hour_of_week) slot.
type SQLiteBaselineStore struct {
	db *sql.DB
}

func NewSQLiteBaselineStore(db *sql.DB) (*SQLiteBaselineStore, error) {
	s := &SQLiteBaselineStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

var _ BaselineStore = (*SQLiteBaselineStore)(nil)

func (s *SQLiteBaselineStore) migrate() error {
	query := `
    CREATE TABLE IF NOT EXISTS baselines (
        zone TEXT NOT NULL,
        hour_of_week INTEGER NOT NULL,
        count INTEGER NOT NULL DEFAULT 0,
        mean REAL NOT NULL DEFAULT 0,
        m2 REAL NOT NULL DEFAULT 0,
        peak REAL NOT NULL DEFAULT 0,
        updated_at TEXT,
        PRIMARY KEY (zone, hour_of_week)
    );`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

func (s *SQLiteBaselineStore) Load(ctx context.Context, zone string, hourOfWeek int) (*Baseline, error) {
	query := `
        SELECT zone, hour_of_week, count, mean, m2, peak, updated_at
        FROM baselines
        WHERE zone = ? AND hour_of_week = ?
    `
	row := s.db.QueryRowContext(ctx, query, zone, hourOfWeek)
	b, err := scanBaselineRow(row.Scan)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return b, nil
}

func (s *SQLiteBaselineStore) Save(ctx context.Context, b *Baseline) error {
	query := `INSERT INTO baselines (zone, hour_of_week, count, mean, m2, peak, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?)
        ON CONFLICT (zone, hour_of_week) DO UPDATE SET
            count = excluded.count,
            mean = excluded.mean,
            m2 = excluded.m2,
            peak = excluded.peak,
            updated_at = excluded.updated_at`

	updatedAt := b.UpdatedAt.UTC().Format(time.RFC3339Nano)
	_, err := s.db.ExecContext(ctx, query,
		b.Zone, b.HourOfWeek, b.Count, b.Mean, b.M2, b.Peak, updatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert baseline %s/%d: %w", b.Zone, b.HourOfWeek, err)
	}
	return nil
}

func (s *SQLiteBaselineStore) ForZone(ctx context.Context, zone string) ([]*Baseline, error) {
	query := `
        SELECT zone, hour_of_week, count, mean, m2, peak, updated_at
        FROM baselines
        WHERE zone = ?
        ORDER BY hour_of_week ASC
    `
	rows, err := s.db.QueryContext(ctx, query, zone)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var baselines []*Baseline
	for rows.Next() {
		b, err := scanBaselineRow(rows.Scan)
		if err != nil {
			return nil, err
		}
		baselines = append(baselines, b)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return baselines, nil
}

func scanBaselineRow(scan func(dest ...any) error) (*Baseline, error) {
	var (
		zone      string
		hour      int
		count     int64
		mean      float64
		m2        float64
		peak      float64
		updatedAt sql.NullString
	)
	if err := scan(&zone, &hour, &count, &mean, &m2, &peak, &updatedAt); err != nil {
		return nil, err
	}
	return &Baseline{
		Zone:       zone,
		HourOfWeek: hour,
		Count:      count,
		Mean:       mean,
		M2:         m2,
		Peak:       peak,
		UpdatedAt:  parseStoredTime(updatedAt.String),
	}, nil
}

func parseStoredTime(value string) time.Time {
	if value == "" {
		return time.Time{}
	}
	if t, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return t
	}
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t
	}
	return time.Time{}
}
