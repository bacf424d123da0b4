package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/Mindburn-Labs/vigil/pkg/dispatch"
	"github.com/Mindburn-Labs/vigil/pkg/store"

	_ "modernc.org/sqlite"
)

// openBaselineStore opens the local SQLite baseline database. Baselines
// stay on local disk in every mode: the anomaly detector needs them
// through a database failover, not after one.
func openBaselineStore() (*sql.DB, *store.SQLiteBaselineStore, error) {
	dataDir := "data"
	if err := os.MkdirAll(dataDir, 0750); err != nil {
		return nil, nil, fmt.Errorf("failed to create data dir: %w", err)
	}

	dbPath := filepath.Join(dataDir, "vigil.db")
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open sqlite: %w", err)
	}
	baselines, err := store.NewSQLiteBaselineStore(db)
	if err != nil {
		_ = db.Close()
		return nil, nil, fmt.Errorf("failed to init baseline store: %w", err)
	}
	log.Printf("[vigil] baselines: sqlite at %s", dbPath)
	return db, baselines, nil
}

// newTransport returns the actuator link: HTTP against the fleet API
// when ACTUATOR_API_URL is set, otherwise a local loop that completes
// commands immediately so the full dispatch path runs without a fleet.
func newTransport(logger *slog.Logger) dispatch.Transport {
	if base := os.Getenv("ACTUATOR_API_URL"); base != "" {
		log.Printf("[vigil] actuator transport: %s", base)
		return dispatch.NewHTTPTransport(base, os.Getenv("ACTUATOR_API_TOKEN"), 0, 0)
	}
	log.Println("[vigil] actuator transport: local loop")
	return localTransport{logger: logger.With("component", "transport")}
}

// localTransport acknowledges every command without leaving the
// process.
type localTransport struct {
	logger *slog.Logger
}

func (t localTransport) Send(ctx context.Context, cmd dispatch.Command) error {
	t.logger.InfoContext(ctx, "command completed locally",
		"command_id", cmd.CommandID, "actuator_id", cmd.ActuatorID, "type", cmd.Type)
	return nil
}
