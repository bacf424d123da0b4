package config

import "os"

// Config holds server configuration.
type Config struct {
	Port        string
	HealthPort  string
	LogLevel    string
	DatabaseURL string
	RedisURL    string
	AuditDir    string
	RulesDir    string
	ColdBucket  string
	WebhookSeed string
	JWTSecret   string
	Lite        bool
}

// Load loads configuration from environment variables.
func Load() *Config {
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	healthPort := os.Getenv("HEALTH_PORT")
	if healthPort == "" {
		healthPort = "8081"
	}

	logLevel := os.Getenv("LOG_LEVEL")
	if logLevel == "" {
		logLevel = "INFO"
	}

	auditDir := os.Getenv("AUDIT_DIR")
	if auditDir == "" {
		auditDir = "./data/audit"
	}

	rulesDir := os.Getenv("RULES_DIR")
	if rulesDir == "" {
		rulesDir = "./rules"
	}

	webhookSeed := os.Getenv("VIGIL_WEBHOOK_SEED")
	if webhookSeed == "" {
		// Dev-only seed; deployments must override.
		webhookSeed = "vigil-dev-webhook-seed"
	}

	jwtSecret := os.Getenv("VIGIL_JWT_SECRET")
	if jwtSecret == "" {
		// Session signing needs 32 bytes minimum; deployments must override.
		jwtSecret = "vigil-dev-jwt-secret-0123456789abcdef"
	}

	dbURL := os.Getenv("DATABASE_URL")
	redisURL := os.Getenv("REDIS_URL")

	// Lite mode runs everything in-process: memory stores, SQLite baselines,
	// no Redis. It is the default when no DATABASE_URL is present.
	lite := os.Getenv("VIGIL_LITE") == "true" || dbURL == ""

	return &Config{
		Port:        port,
		HealthPort:  healthPort,
		LogLevel:    logLevel,
		DatabaseURL: dbURL,
		RedisURL:    redisURL,
		AuditDir:    auditDir,
		RulesDir:    rulesDir,
		ColdBucket:  os.Getenv("AUDIT_COLD_BUCKET"),
		WebhookSeed: webhookSeed,
		JWTSecret:   jwtSecret,
		Lite:        lite,
	}
}
