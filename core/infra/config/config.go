package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	defaultHTTPAddr       = ":4000"
	defaultMetricsAddr    = ":9092"
	defaultEngineHTTPAddr = ":9093"
	defaultNATSURL        = "nats://localhost:4222"
	defaultRedisURL       = "redis://localhost:6379"
	defaultMongoURI       = "mongodb://localhost:27017"
	defaultMongoDB        = "pingup"
	defaultExecutionStore = "redis"
	defaultSQLitePath     = "data/executions.db"
	defaultPolicyPath     = "config/workflows.yaml"
	defaultFrontendURL    = "http://localhost:5173"
	defaultMediaTTL       = 7 * 24 * time.Hour
	defaultSMTPPort       = 587

	envHTTPAddr       = "HTTP_ADDR"
	envMetricsAddr    = "METRICS_ADDR"
	envEngineHTTPAddr = "ENGINE_HTTP_ADDR"
	envNATSURL        = "NATS_URL"
	envUseNATS        = "USE_NATS"
	envEmbedEngine    = "EMBED_ENGINE"
	envStrictStreams  = "STRICT_STREAMS"
	envRedisURL       = "REDIS_URL"
	envMongoURI       = "MONGO_URI"
	envMongoDB        = "MONGO_DB"
	envExecutionStore = "EXECUTION_STORE"
	envSQLitePath     = "SQLITE_PATH"
	envPolicyPath     = "WORKFLOW_POLICY_PATH"
	envFrontendURL    = "FRONTEND_URL"
	envMediaBaseURL   = "MEDIA_BASE_URL"
	envMediaTTL       = "MEDIA_TTL"
	envSMTPHost       = "SMTP_HOST"
	envSMTPPort       = "SMTP_PORT"
	envSMTPUser       = "SMTP_USER"
	envSMTPPass       = "SMTP_PASS"
	envSenderEmail    = "SENDER_EMAIL"
)

// SMTP holds outbound mail settings. An empty Host selects the logging notifier.
type SMTP struct {
	Host     string
	Port     int
	User     string
	Password string
	From     string
}

// Config holds runtime configuration for the gateway and the workflow engine.
type Config struct {
	HTTPAddr       string
	MetricsAddr    string
	EngineHTTPAddr string
	NatsURL        string
	UseNATS        bool
	EmbedEngine    bool
	// StrictStreams requires a caller identity on live-stream routes.
	StrictStreams  bool
	RedisURL       string
	MongoURI       string
	MongoDB        string
	ExecutionStore string
	SQLitePath     string
	PolicyPath     string
	FrontendURL    string
	MediaBaseURL   string
	MediaTTL       time.Duration
	SMTP           SMTP
}

// Load returns configuration using environment variables with sane defaults.
func Load() *Config {
	httpAddr := envOr(envHTTPAddr, defaultHTTPAddr)
	mediaBase := strings.TrimRight(os.Getenv(envMediaBaseURL), "/")
	if mediaBase == "" {
		mediaBase = "http://localhost" + httpAddr
	}
	mediaTTL := defaultMediaTTL
	if v := strings.TrimSpace(os.Getenv(envMediaTTL)); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			mediaTTL = d
		}
	}
	smtpPort := defaultSMTPPort
	if v := strings.TrimSpace(os.Getenv(envSMTPPort)); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			smtpPort = n
		}
	}
	store := strings.ToLower(envOr(envExecutionStore, defaultExecutionStore))
	if store != "redis" && store != "sqlite" {
		store = defaultExecutionStore
	}

	return &Config{
		HTTPAddr:       httpAddr,
		MetricsAddr:    envOr(envMetricsAddr, defaultMetricsAddr),
		EngineHTTPAddr: envOr(envEngineHTTPAddr, defaultEngineHTTPAddr),
		NatsURL:        envOr(envNATSURL, defaultNATSURL),
		UseNATS:        parseBool(os.Getenv(envUseNATS), false),
		EmbedEngine:    parseBool(os.Getenv(envEmbedEngine), true),
		StrictStreams:  parseBool(os.Getenv(envStrictStreams), false),
		RedisURL:       envOr(envRedisURL, defaultRedisURL),
		MongoURI:       envOr(envMongoURI, defaultMongoURI),
		MongoDB:        envOr(envMongoDB, defaultMongoDB),
		ExecutionStore: store,
		SQLitePath:     envOr(envSQLitePath, defaultSQLitePath),
		PolicyPath:     envOr(envPolicyPath, defaultPolicyPath),
		FrontendURL:    strings.TrimRight(envOr(envFrontendURL, defaultFrontendURL), "/"),
		MediaBaseURL:   mediaBase,
		MediaTTL:       mediaTTL,
		SMTP: SMTP{
			Host:     strings.TrimSpace(os.Getenv(envSMTPHost)),
			Port:     smtpPort,
			User:     os.Getenv(envSMTPUser),
			Password: os.Getenv(envSMTPPass),
			From:     envOr(envSenderEmail, "no-reply@pingup.local"),
		},
	}
}

func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func parseBool(raw string, fallback bool) bool {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return fallback
	}
}
