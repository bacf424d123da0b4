package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Mindburn-Labs/vigil/pkg/api"
	"github.com/Mindburn-Labs/vigil/pkg/audit"
	"github.com/Mindburn-Labs/vigil/pkg/center"
	"github.com/Mindburn-Labs/vigil/pkg/config"
	"github.com/Mindburn-Labs/vigil/pkg/continuity"
	"github.com/Mindburn-Labs/vigil/pkg/dispatch"
	"github.com/Mindburn-Labs/vigil/pkg/fusion"
	"github.com/Mindburn-Labs/vigil/pkg/gateway"
	"github.com/Mindburn-Labs/vigil/pkg/kernel"
	"github.com/Mindburn-Labs/vigil/pkg/observability"
	"github.com/Mindburn-Labs/vigil/pkg/safety"
	"github.com/Mindburn-Labs/vigil/pkg/store"

	_ "github.com/lib/pq" // Postgres driver
)

const version = "1.0.0"

// Dispatcher
func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// startServer is a variable to allow mocking in tests
var startServer = runServer

// Run is the entrypoint for testing
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		// Default to server
		startServer()
		return 0
	}

	switch args[1] {
	case "serve", "server":
		startServer()
		return 0
	case "health":
		return runHealthCmd(stdout, stderr)
	case "audit":
		return runAuditCmd(args[2:], stdout, stderr)
	case "version":
		fmt.Fprintf(stdout, "vigil %s\n", version)
		return 0
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		if args[1][0] == '-' {
			startServer()
			return 0
		}
		_, _ = fmt.Fprintf(stderr, "Unknown command: %s\n", args[1])
		printUsage(stderr)
		return 2
	}
}

// ANSI Colors
const (
	ColorReset  = "\033[0m"
	ColorBold   = "\033[1m"
	ColorRed    = "\033[31m"
	ColorGreen  = "\033[32m"
	ColorYellow = "\033[33m"
	ColorBlue   = "\033[34m"
	ColorCyan   = "\033[36m"
	ColorGray   = "\033[37m"
)

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "")
	fmt.Fprintf(w, "%sVIGIL RTCC %s%s\n", ColorBold+ColorBlue, version, ColorReset)
	fmt.Fprintf(w, "%sSensors report. Operators decide.%s\n", ColorGray, ColorReset)
	fmt.Fprintln(w, "")
	fmt.Fprintf(w, "%sUSAGE:%s\n", ColorBold, ColorReset)
	fmt.Fprintln(w, "  vigil <command> [flags]")
	fmt.Fprintln(w, "")

	printSection(w, "SERVER")
	printCommand(w, "serve", "Run the VIGIL server (default)")
	printCommand(w, "health", "Check server health (HTTP)")

	printSection(w, "AUDIT")
	printCommand(w, "audit", "Audit trail tools (verify)")

	printSection(w, "UTILITIES")
	printCommand(w, "version", "Show version information")
	printCommand(w, "help", "Show this help")
	fmt.Fprintln(w, "")
}

func printSection(w io.Writer, title string) {
	fmt.Fprintf(w, "%s%s:%s\n", ColorBold+ColorCyan, title, ColorReset)
}

func printCommand(w io.Writer, name, desc string) {
	fmt.Fprintf(w, "  %s%-12s%s %s\n", ColorGreen, name, ColorReset, desc)
}

// runAuditCmd dispatches `vigil audit <subcommand>`.
func runAuditCmd(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		_, _ = fmt.Fprintln(stderr, "Usage: vigil audit <verify>")
		return 2
	}
	switch args[0] {
	case "verify":
		return runAuditVerifyCmd(args[1:], stdout, stderr)
	default:
		_, _ = fmt.Fprintf(stderr, "Unknown audit subcommand: %s\n", args[0])
		return 2
	}
}

// runAuditVerifyCmd implements `vigil audit verify`.
//
// Walks a segment directory in order and re-derives the hash chain
// across segment boundaries, so a trimmed, reordered, or edited
// segment is detected without the server running.
//
// Exit codes:
//
//	0 = chain verified
//	1 = chain broken
//	2 = runtime error
func runAuditVerifyCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("audit verify", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		dir        string
		jsonOutput bool
	)

	cmd.StringVar(&dir, "dir", "./data/audit", "Segment directory to verify")
	cmd.BoolVar(&jsonOutput, "json", false, "Output result as JSON")

	if err := cmd.Parse(args); err != nil {
		return 2
	}

	entries, err := audit.VerifyDir(dir)
	if err != nil {
		if jsonOutput {
			result := map[string]any{
				"dir":     dir,
				"valid":   false,
				"entries": entries,
				"error":   err.Error(),
			}
			data, _ := json.MarshalIndent(result, "", "  ")
			fmt.Fprintln(stdout, string(data))
		} else {
			fmt.Fprintf(stderr, "%s✗ Chain broken:%s %v\n", ColorBold+ColorRed, ColorReset, err)
		}
		return 1
	}

	if jsonOutput {
		result := map[string]any{
			"dir":     dir,
			"valid":   true,
			"entries": entries,
		}
		data, _ := json.MarshalIndent(result, "", "  ")
		fmt.Fprintln(stdout, string(data))
	} else {
		fmt.Fprintf(stdout, "%s✓ Chain verified:%s %d entries in %s\n", ColorBold+ColorGreen, ColorReset, entries, dir)
	}
	return 0
}

// runHealthCmd probes the health port of a locally running server.
func runHealthCmd(out, errOut io.Writer) int {
	cfg := config.Load()
	base := "http://localhost:" + cfg.HealthPort

	resp, err := http.Get(base + "/health")
	if err != nil {
		fmt.Fprintf(errOut, "Health check failed: %v\n", err)
		return 1
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		fmt.Fprintf(errOut, "Health check failed: status %d\n", resp.StatusCode)
		return 1
	}

	ready, err := http.Get(base + "/readiness")
	if err != nil {
		fmt.Fprintf(errOut, "Readiness check failed: %v\n", err)
		return 1
	}
	defer ready.Body.Close()
	if ready.StatusCode != http.StatusOK {
		fmt.Fprintf(out, "%sDEGRADED%s (failed over)\n", ColorBold+ColorYellow, ColorReset)
		return 1
	}

	fmt.Fprintln(out, "OK")
	return 0
}

//nolint:gocognit,gocyclo
func runServer() {
	fmt.Fprintf(os.Stdout, "%sVIGIL RTCC starting...%s\n", ColorBold+ColorBlue, ColorReset)
	ctx := context.Background()
	cfg := config.Load()

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	// Telemetry exports only when an OTLP collector is configured.
	obsCfg := observability.DefaultConfig()
	obsCfg.ServiceVersion = version
	obsCfg.OTLPEndpoint = os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	obsCfg.Enabled = obsCfg.OTLPEndpoint != ""
	obsCfg.Insecure = os.Getenv("VIGIL_ENV") != "production"
	if env := os.Getenv("VIGIL_ENV"); env != "" {
		obsCfg.Environment = env
	}
	obs, err := observability.New(ctx, obsCfg)
	if err != nil {
		log.Fatalf("Failed to init telemetry: %v", err)
	}

	tuning := config.DefaultTuning()
	if path := filepath.Join(cfg.RulesDir, "tuning.yaml"); fileExists(path) {
		tuning, err = config.LoadTuning(path)
		if err != nil {
			log.Fatalf("Failed to load tuning: %v", err)
		}
		log.Printf("[vigil] tuning: %s", path)
	}

	// Backing stores. Lite mode keeps everything in-process; otherwise
	// Postgres holds entities, Redis the hot event window, and SQLite
	// the local anomaly baselines either way.
	var (
		events   store.EventStore
		entities fusion.EntityStore
		db       *sql.DB
		rdb      *redis.Client
	)
	if cfg.Lite {
		fmt.Fprintf(os.Stdout, "ℹ️  DATABASE_URL not set. Falling back to %sLite Mode%s (in-process stores).\n", ColorBold+ColorCyan, ColorReset)
	} else {
		db, err = sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("Failed to connect to DB: %v", err)
		}
		if err := db.PingContext(ctx); err != nil {
			log.Fatalf("DB ping failed: %v", err)
		}
		pg := fusion.NewPostgresEntityStore(db)
		if err := pg.Migrate(ctx); err != nil {
			log.Fatalf("Failed to migrate entity store: %v", err)
		}
		entities = pg
		log.Println("[vigil] postgres: connected")

		if cfg.RedisURL != "" {
			opts, err := redis.ParseURL(cfg.RedisURL)
			if err != nil {
				log.Fatalf("Bad REDIS_URL: %v", err)
			}
			rdb = redis.NewClient(opts)
			if err := rdb.Ping(ctx).Err(); err != nil {
				log.Fatalf("Redis ping failed: %v", err)
			}
			events = store.NewRedisEventStore(rdb, tuning.Fusion.DedupTTL())
			log.Println("[vigil] redis: connected")
		}
	}

	sqliteDB, baselines, err := openBaselineStore()
	if err != nil {
		log.Fatalf("Failed to open baseline store: %v", err)
	}

	// Audit persistence: every entry lands in an append-only segment
	// the moment it is written; S3 archival is optional.
	auditLog := audit.NewLog()
	writer, err := audit.OpenWriter(cfg.AuditDir, 0)
	if err != nil {
		log.Fatalf("Failed to open audit segments: %v", err)
	}
	auditLog.AddHandler(func(e *audit.Entry) {
		if err := writer.Append(e); err != nil {
			logger.Error("audit segment append failed", "error", err)
		}
	})
	log.Printf("[vigil] audit segments: %s", cfg.AuditDir)

	var archiver *audit.Archiver
	if cfg.ColdBucket != "" {
		cold, err := audit.NewS3Cold(ctx, audit.S3Config{
			Bucket:   cfg.ColdBucket,
			Region:   os.Getenv("AWS_REGION"),
			Endpoint: os.Getenv("AWS_ENDPOINT_URL"),
		})
		if err != nil {
			log.Fatalf("Failed to init cold store: %v", err)
		}
		archiver = audit.NewArchiver(writer, cold)
		log.Printf("[vigil] audit cold store: s3://%s", cfg.ColdBucket)
	}

	var fusionRules []fusion.Rule
	if path := filepath.Join(cfg.RulesDir, "fusion.yaml"); fileExists(path) {
		fusionRules, err = fusion.LoadRules(path)
		if err != nil {
			log.Fatalf("Failed to load fusion rules: %v", err)
		}
		log.Printf("[vigil] fusion rules: %d loaded", len(fusionRules))
	}

	transport := newTransport(logger)

	c, err := center.New(tuning, center.Deps{
		Events:      events,
		Entities:    entities,
		Baselines:   baselines,
		Transport:   transport,
		FusionRules: fusionRules,
		Audit:       auditLog,
		Obs:         obs,
		Logger:      logger,
		WebhookSeed: cfg.WebhookSeed,
		JWTSecret:   []byte(cfg.JWTSecret),
	})
	if err != nil {
		log.Fatalf("Failed to assemble center: %v", err)
	}

	if path := filepath.Join(cfg.RulesDir, "triggers.yaml"); fileExists(path) {
		rules, err := dispatch.LoadTriggerRules(path)
		if err != nil {
			log.Fatalf("Failed to load trigger rules: %v", err)
		}
		c.Dispatch.SetRules(rules)
		log.Printf("[vigil] trigger rules: %d loaded", len(rules))
	}
	if path := filepath.Join(cfg.RulesDir, "hotzones.yaml"); fileExists(path) {
		zones, err := safety.LoadHotzones(path)
		if err != nil {
			log.Fatalf("Failed to load hotzones: %v", err)
		}
		if err := c.Safety.SetHotzones(zones); err != nil {
			log.Fatalf("Failed to set hotzones: %v", err)
		}
		log.Printf("[vigil] hotzones: %d loaded", len(zones))
	}

	if err := registerVendors(c); err != nil {
		log.Fatalf("Failed to register vendors: %v", err)
	}
	registerContinuity(c, db, rdb, cfg, logger)

	// Dispatch notices and failover transitions surface in the server
	// log alongside their audit entries.
	noticeSub := c.Bus.Subscribe(dispatch.TopicNotify, continuity.TopicFailover)
	go func() {
		for msg := range noticeSub.C() {
			switch p := msg.Payload.(type) {
			case dispatch.Notification:
				logger.Info("dispatch notice",
					"kind", p.Kind, "request_id", p.RequestID, "channels", p.Channels)
			case continuity.FailoverEvent:
				logger.Warn("continuity transition",
					"kind", p.Kind, "service", p.Service, "from", p.From, "to", p.To)
			}
		}
	}()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		if err := c.Run(runCtx); err != nil {
			logger.Error("maintenance loop exited", "error", err)
		}
	}()
	if archiver != nil {
		go runArchiver(runCtx, archiver, logger)
	}

	// HTTP surface: HMAC-keyed webhooks and the session endpoints sit
	// outside the gateway; everything under /api/v1 goes through it.
	svc := &Services{Center: c, Config: cfg, Logger: logger, Started: time.Now()}

	apiMux := http.NewServeMux()
	RegisterSubsystemRoutes(apiMux, svc)

	// Operator retries on dispatch and approval POSTs replay the cached
	// response. The cache sits inside the gate so replays still carry a
	// valid session.
	var idem api.IdempotencyStorer
	if db != nil {
		pgIdem := api.NewPostgresIdempotencyStore(db, 24*time.Hour)
		if err := pgIdem.Migrate(ctx); err != nil {
			log.Fatalf("[vigil] idempotency store migration failed: %v", err)
		}
		idem = pgIdem
	} else {
		idem = api.NewIdempotencyStore(24 * time.Hour)
	}

	// Per-session backpressure shares state across instances when Redis
	// is available.
	var gateLimits kernel.LimiterStore = kernel.NewInMemoryLimiterStore()
	if rdb != nil {
		gateLimits = kernel.NewRedisLimiterStore(rdb)
	}

	root := http.NewServeMux()
	c.Receiver.RegisterRoutes(root)
	RegisterAuthRoutes(root, svc)
	gate := gateway.Middleware(c.Gateway, gateLimits, resourceFor)
	root.Handle("/api/v1/", gate(api.IdempotencyMiddleware(idem)(apiMux)))

	limiter := api.NewGlobalRateLimiter(api.PerMinute(tuning.Gateway.RateLimitPerMin))
	handler := api.RequestIDMiddleware(limiter.Middleware(root))

	// Health server. Readiness goes 503 while any pair is failed over.
	healthMux := http.NewServeMux()
	healthMux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		api.WriteJSON(w, http.StatusOK, map[string]any{"status": "ok", "version": version})
	})
	healthMux.HandleFunc("GET /readiness", func(w http.ResponseWriter, r *http.Request) {
		pairs := c.Failover.Statuses()
		if c.Failover.FailedOver() {
			api.WriteJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "degraded", "pairs": pairs})
			return
		}
		api.WriteJSON(w, http.StatusOK, map[string]any{"status": "ready", "pairs": pairs})
	})
	go func() {
		log.Printf("[vigil] health server: :%s", cfg.HealthPort)
		//nolint:gosec // Intentionally listening on all interfaces
		if err := http.ListenAndServe(":"+cfg.HealthPort, healthMux); err != nil {
			log.Printf("[vigil] health server error: %v", err)
		}
	}()

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.Printf("[vigil] ready: http://localhost:%s", cfg.Port)
		log.Println("[vigil] press ctrl+c to stop")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	log.Println("[vigil] shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(ctx, 15*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown", "error", err)
	}
	cancel()
	c.FlushActivity(shutdownCtx)
	c.Close()
	if err := writer.Close(); err != nil {
		logger.Error("audit segment close", "error", err)
	}
	if db != nil {
		_ = db.Close()
	}
	if rdb != nil {
		_ = rdb.Close()
	}
	_ = sqliteDB.Close()
	if err := obs.Shutdown(shutdownCtx); err != nil {
		logger.Error("telemetry shutdown", "error", err)
	}
	log.Println("[vigil] stopped")
}

// runArchiver rolls closed audit segments into cold storage hourly.
func runArchiver(ctx context.Context, archiver *audit.Archiver, logger *slog.Logger) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rolled, err := archiver.Roll(ctx, time.Now().UTC())
			if err != nil {
				logger.Error("audit archive roll failed", "error", err)
				continue
			}
			if len(rolled) > 0 {
				logger.Info("audit segments archived", "count", len(rolled))
			}
		}
	}
}

func newLogger(level string) *slog.Logger {
	var l slog.Level
	switch level {
	case "DEBUG":
		l = slog.LevelDebug
	case "WARN":
		l = slog.LevelWarn
	case "ERROR":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: l}))
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
