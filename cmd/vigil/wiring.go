package main

import (
	"context"
	"database/sql"
	"log"
	"log/slog"
	"os"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/Mindburn-Labs/vigil/pkg/center"
	"github.com/Mindburn-Labs/vigil/pkg/config"
	"github.com/Mindburn-Labs/vigil/pkg/continuity"
	"github.com/Mindburn-Labs/vigil/pkg/event"
	"github.com/Mindburn-Labs/vigil/pkg/ingest"
)

// defaultVendors is the stock integration table: gunshot acoustics,
// LPR, body-worn, CAD, and the city sensor mesh. VIGIL_VENDORS
// replaces it with comma-separated entries of the form name or
// name:source|source.
var defaultVendors = []ingest.Vendor{
	{Name: "shotspotter", Sources: []event.Source{event.SourceGunshot}},
	{Name: "flock", Sources: []event.Source{event.SourceLPR}},
	{Name: "axon", Sources: []event.Source{event.SourceBWC, event.SourcePanic, event.SourceVitals, event.SourceTranscript}},
	{Name: "motorola", Sources: []event.Source{event.SourceCAD}},
	{Name: "citygrid", Sources: []event.Source{event.SourceSensor, event.SourceEnvironmental, event.SourceCrowd}},
}

func registerVendors(c *center.Center) error {
	vendors := defaultVendors
	if env := os.Getenv("VIGIL_VENDORS"); env != "" {
		vendors = parseVendors(env)
	}
	for _, v := range vendors {
		if err := c.Receiver.Register(v); err != nil {
			return err
		}
	}
	log.Printf("[vigil] vendors: %s", strings.Join(c.Receiver.Vendors(), ", "))
	return nil
}

func parseVendors(env string) []ingest.Vendor {
	var out []ingest.Vendor
	for _, entry := range strings.Split(env, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		name, rest, restricted := strings.Cut(entry, ":")
		v := ingest.Vendor{Name: name}
		if restricted {
			for _, s := range strings.Split(rest, "|") {
				if s = strings.TrimSpace(s); s != "" {
					v.Sources = append(v.Sources, event.Source(s))
				}
			}
		}
		out = append(out, v)
	}
	return out
}

// registerContinuity wires health probes for the configured backends
// and a failover pair when a database replica exists. Probe targets
// share names with pair members so probe streaks drive the pair.
func registerContinuity(c *center.Center, db *sql.DB, rdb *redis.Client, cfg *config.Config, logger *slog.Logger) {
	if db != nil {
		mustRegisterProbe(c, "postgres", func(ctx context.Context) error {
			return db.PingContext(ctx)
		})
		if replicaURL := os.Getenv("DATABASE_REPLICA_URL"); replicaURL != "" {
			replica, err := sql.Open("postgres", replicaURL)
			if err != nil {
				log.Fatalf("Failed to open replica: %v", err)
			}
			mustRegisterProbe(c, "postgres-replica", func(ctx context.Context) error {
				return replica.PingContext(ctx)
			})
			if err := c.Failover.Register(continuity.Pair{
				Service:   "entity-store",
				Primary:   "postgres",
				Secondary: "postgres-replica",
			}); err != nil {
				log.Fatalf("Failed to register failover pair: %v", err)
			}
			pool := continuity.NewPool("entity-store", "postgres", "postgres-replica")
			if err := c.Failover.AttachPool("entity-store", pool); err != nil {
				log.Fatalf("Failed to attach pool: %v", err)
			}
			if err := c.Failover.OnReplay("entity-store", func(ctx context.Context, w continuity.BufferedWrite) error {
				logger.InfoContext(ctx, "buffered write replayed", "write_id", w.WriteID)
				return nil
			}); err != nil {
				log.Fatalf("Failed to register replay: %v", err)
			}
			log.Println("[vigil] continuity: entity-store pair registered")
		}
	}
	if rdb != nil {
		mustRegisterProbe(c, "redis", func(ctx context.Context) error {
			return rdb.Ping(ctx).Err()
		})
	}
	mustRegisterProbe(c, "audit-segments", func(ctx context.Context) error {
		_, err := os.Stat(cfg.AuditDir)
		return err
	})
}

func mustRegisterProbe(c *center.Center, target string, check continuity.CheckFunc) {
	if err := c.Monitor.Register(target, check); err != nil {
		log.Fatalf("Failed to register %s probe: %v", target, err)
	}
}
