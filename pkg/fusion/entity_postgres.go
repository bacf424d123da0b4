package fusion

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	_ "github.com/lib/pq"
)

// PostgresEntityStore is the durable entity store. The full record rides as
// JSONB; type, confidence and recency are lifted into columns for indexed
// scans. Aliases live in their own table so an absorbed id still resolves.
type PostgresEntityStore struct {
	db *sql.DB
}

func NewPostgresEntityStore(db *sql.DB) *PostgresEntityStore {
	return &PostgresEntityStore{db: db}
}

var _ EntityStore = (*PostgresEntityStore)(nil)

// Migrate creates the entity tables. Called once at boot, not from the
// constructor, so read-only replicas can open the store without DDL rights.
func (s *PostgresEntityStore) Migrate(ctx context.Context) error {
	query := `
	CREATE TABLE IF NOT EXISTS entities (
		entity_id TEXT PRIMARY KEY,
		entity_type TEXT NOT NULL,
		confidence DOUBLE PRECISION NOT NULL DEFAULT 1.0,
		record JSONB NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	);
	CREATE TABLE IF NOT EXISTS entity_aliases (
		alias TEXT PRIMARY KEY,
		entity_id TEXT NOT NULL REFERENCES entities(entity_id) ON DELETE CASCADE
	);
	CREATE INDEX IF NOT EXISTS entities_type_recency
		ON entities (entity_type, updated_at DESC);`
	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("migrate entities: %w", err)
	}
	return nil
}

func (s *PostgresEntityStore) Get(ctx context.Context, entityID string) (*ResolvedEntity, error) {
	e, err := s.getByID(ctx, entityID)
	if err != nil || e != nil {
		return e, err
	}

	// Fall through to the alias table: the id may have been absorbed.
	row := s.db.QueryRowContext(ctx,
		`SELECT e.record
		 FROM entities e
		 JOIN entity_aliases a ON a.entity_id = e.entity_id
		 WHERE a.alias = $1`, entityID)
	return scanEntityRecord(row.Scan)
}

func (s *PostgresEntityStore) getByID(ctx context.Context, entityID string) (*ResolvedEntity, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT record FROM entities WHERE entity_id = $1", entityID)
	return scanEntityRecord(row.Scan)
}

func (s *PostgresEntityStore) Upsert(ctx context.Context, e *ResolvedEntity) error {
	recordJSON, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode entity %s: %w", e.EntityID, err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin entity upsert: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	query := `
		INSERT INTO entities (entity_id, entity_type, confidence, record, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (entity_id) DO UPDATE SET
			entity_type = EXCLUDED.entity_type,
			confidence = EXCLUDED.confidence,
			record = EXCLUDED.record,
			updated_at = EXCLUDED.updated_at
	`
	if _, err := tx.ExecContext(ctx, query,
		e.EntityID, string(e.Type), e.Confidence, recordJSON, e.LastSeen); err != nil {
		return fmt.Errorf("failed to upsert entity %s: %w", e.EntityID, err)
	}

	for _, alias := range e.AliasSet {
		// Re-pointing an alias also deletes any record the absorbed id
		// still owned; the cascade clears its old aliases with it.
		if _, err := tx.ExecContext(ctx,
			"DELETE FROM entities WHERE entity_id = $1", alias); err != nil {
			return fmt.Errorf("failed to retire absorbed entity %s: %w", alias, err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO entity_aliases (alias, entity_id)
			VALUES ($1, $2)
			ON CONFLICT (alias) DO UPDATE SET entity_id = EXCLUDED.entity_id`,
			alias, e.EntityID); err != nil {
			return fmt.Errorf("failed to upsert alias %s: %w", alias, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit entity upsert: %w", err)
	}
	return nil
}

func (s *PostgresEntityStore) ByType(ctx context.Context, t EntityType, limit int) ([]*ResolvedEntity, error) {
	query := `
		SELECT record
		FROM entities
		WHERE entity_type = $1
		ORDER BY updated_at DESC
	`
	args := []any{string(t)}
	if limit > 0 {
		query += " LIMIT $2"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var entities []*ResolvedEntity
	for rows.Next() {
		e, err := scanEntityRecord(rows.Scan)
		if err != nil {
			return nil, err
		}
		entities = append(entities, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return entities, nil
}

func scanEntityRecord(scan func(dest ...any) error) (*ResolvedEntity, error) {
	var recordJSON []byte
	if err := scan(&recordJSON); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	var e ResolvedEntity
	if err := json.Unmarshal(recordJSON, &e); err != nil {
		return nil, fmt.Errorf("corrupt entity record: %w", err)
	}
	return &e, nil
}
