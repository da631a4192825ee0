package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration
type Config struct {
	Port     string
	LogLevel slog.Level
	DemoMode bool

	// Store is "postgres" or "memory".
	Store       string
	DatabaseURL string

	JWTSecret string

	RedisURL string
	LockTTL  time.Duration
	LockWait time.Duration

	// Chain is "simulated" or "gateway".
	Chain          string
	GatewayURL     string
	GatewayAPIKey  string
	GatewayTimeout time.Duration
	VerifyRoots    bool
	RootCacheTTL   time.Duration

	ExecMaxAttempts int
	ExecBaseBackoff time.Duration
	ExecMaxBackoff  time.Duration
	ExecStaleClaim  time.Duration

	ReconcileInterval time.Duration
	AmbiguousAfter    time.Duration
	SweepInterval     time.Duration
	AutoExecute       bool

	NotifyBuffer  int
	NATSURL       string
	NATSPrefix    string
	KafkaBrokers  []string
	KafkaTopic    string
	ResendAPIKey  string
	AlertFrom     string
	AlertTo       []string
	PaystackKey   string
	AllowedOrigin string
}

// Load reads .env (if present) and the process environment.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Info("no .env file found, using environment variables", "module", "config")
	}

	l := &loader{}
	cfg := &Config{
		Port:     getEnv("PORT", "8080"),
		LogLevel: l.level("LOG_LEVEL", slog.LevelInfo),
		DemoMode: l.bool("DEMO_MODE", false),

		Store:     strings.ToLower(getEnv("STORE", "postgres")),
		JWTSecret: os.Getenv("JWT_SECRET"),

		RedisURL: os.Getenv("REDIS_URL"),
		LockTTL:  l.duration("LOCK_TTL", 30*time.Second),
		LockWait: l.duration("LOCK_WAIT", 10*time.Second),

		Chain:          strings.ToLower(getEnv("CHAIN_MODE", "simulated")),
		GatewayURL:     os.Getenv("GATEWAY_URL"),
		GatewayAPIKey:  os.Getenv("GATEWAY_API_KEY"),
		GatewayTimeout: l.duration("GATEWAY_TIMEOUT", 15*time.Second),
		VerifyRoots:    l.bool("VERIFY_ROOTS", false),
		RootCacheTTL:   l.duration("ROOT_CACHE_TTL", 5*time.Minute),

		ExecMaxAttempts: l.int("EXEC_MAX_ATTEMPTS", 5),
		ExecBaseBackoff: l.duration("EXEC_BASE_BACKOFF", 500*time.Millisecond),
		ExecMaxBackoff:  l.duration("EXEC_MAX_BACKOFF", 30*time.Second),
		ExecStaleClaim:  l.duration("EXEC_STALE_CLAIM", 2*time.Minute),

		ReconcileInterval: l.duration("RECONCILE_INTERVAL", 5*time.Second),
		AmbiguousAfter:    l.duration("AMBIGUOUS_AFTER", 10*time.Minute),
		SweepInterval:     l.duration("SWEEP_INTERVAL", 15*time.Second),
		AutoExecute:       l.bool("AUTO_EXECUTE", false),

		NotifyBuffer:  l.int("NOTIFY_BUFFER", 1024),
		NATSURL:       os.Getenv("NATS_URL"),
		NATSPrefix:    getEnv("NATS_SUBJECT_PREFIX", "quorumvault.events"),
		KafkaBrokers:  getList("KAFKA_BROKERS"),
		KafkaTopic:    getEnv("KAFKA_TOPIC", "quorumvault.events"),
		ResendAPIKey:  os.Getenv("RESEND_API_KEY"),
		AlertFrom:     os.Getenv("ALERT_EMAIL_FROM"),
		AlertTo:       getList("ALERT_EMAIL_TO"),
		PaystackKey:   os.Getenv("PAYSTACK_SECRET_KEY"),
		AllowedOrigin: getEnv("ALLOWED_ORIGINS", "*"),
	}
	if l.err != nil {
		return nil, l.err
	}

	if cfg.Store == "postgres" {
		dsn, err := databaseURL()
		if err != nil {
			return nil, err
		}
		cfg.DatabaseURL = dsn
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.Store {
	case "postgres", "memory":
	default:
		return fmt.Errorf("STORE must be postgres or memory, got %q", c.Store)
	}
	switch c.Chain {
	case "simulated":
	case "gateway":
		if c.GatewayURL == "" {
			return fmt.Errorf("GATEWAY_URL is required when CHAIN_MODE=gateway")
		}
	default:
		return fmt.Errorf("CHAIN_MODE must be simulated or gateway, got %q", c.Chain)
	}
	if c.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required")
	}
	if c.ExecMaxAttempts < 1 {
		return fmt.Errorf("EXEC_MAX_ATTEMPTS must be at least 1")
	}
	return nil
}

// databaseURL prefers DATABASE_URL and falls back to the DB_* variables.
func databaseURL() (string, error) {
	if dsn := os.Getenv("DATABASE_URL"); dsn != "" {
		return dsn, nil
	}
	host := os.Getenv("DB_HOST")
	user := os.Getenv("DB_USER")
	password := os.Getenv("DB_PASSWORD")
	dbname := os.Getenv("DB_NAME")
	port := getEnv("DB_PORT", "5432")
	if host == "" || user == "" || password == "" || dbname == "" {
		return "", fmt.Errorf("database configuration not provided: either set DATABASE_URL or all of DB_HOST, DB_USER, DB_PASSWORD, DB_NAME")
	}
	return fmt.Sprintf(
		"host=%s user=%s password=%s dbname=%s port=%s sslmode=%s TimeZone=UTC",
		host, user, password, dbname, port, getEnv("DB_SSLMODE", "disable"),
	), nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getList(key string) []string {
	var out []string
	for _, v := range strings.Split(os.Getenv(key), ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

// loader keeps the first parse error so Load can report it once.
type loader struct {
	err error
}

func (l *loader) fail(key, value string, err error) {
	if l.err == nil {
		l.err = fmt.Errorf("invalid %s=%q: %w", key, value, err)
	}
}

func (l *loader) duration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		l.fail(key, value, err)
		return defaultValue
	}
	return d
}

func (l *loader) int(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		l.fail(key, value, err)
		return defaultValue
	}
	return n
}

func (l *loader) bool(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		l.fail(key, value, err)
		return defaultValue
	}
	return b
}

func (l *loader) level(key string, defaultValue slog.Level) slog.Level {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(value)); err != nil {
		l.fail(key, value, err)
		return defaultValue
	}
	return lvl
}
