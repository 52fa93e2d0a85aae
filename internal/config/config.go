package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	// ----------------------------
	// Logging
	// ----------------------------
	LogDevelopment bool `envconfig:"LOG_DEVELOPMENT" default:"false"`

	// ----------------------------
	// SMTP (default identity)
	// ----------------------------
	SMTPHost     string `envconfig:"SMTP_HOST" default:"localhost"`
	SMTPPort     int    `envconfig:"SMTP_PORT" default:"1025"`
	SMTPSecure   bool   `envconfig:"SMTP_SECURE" default:"false"`
	SMTPUser     string `envconfig:"SMTP_USER" default:""`
	SMTPPassword string `envconfig:"SMTP_PASSWORD" default:""`
	SMTPFrom     string `envconfig:"SMTP_FROM" default:"noreply@mailpacer.local"`
	SMTPFromName string `envconfig:"SMTP_FROM_NAME" default:""`

	// SMTPFallback sends with the identity above when no account is
	// configured.
	SMTPFallback    bool          `envconfig:"SMTP_FALLBACK" default:"true"`
	SMTPMaxIdle     int           `envconfig:"SMTP_MAX_IDLE" default:"2"`
	SMTPIdleTimeout time.Duration `envconfig:"SMTP_IDLE_TIMEOUT" default:"30s"`
	SMTPVerify      bool          `envconfig:"SMTP_VERIFY" default:"true"`
	SMTPInsecureTLS bool          `envconfig:"SMTP_INSECURE_TLS" default:"false"`
	SMTPLocalName   string        `envconfig:"SMTP_LOCAL_NAME" default:""`
	SendTimeout     time.Duration `envconfig:"SEND_TIMEOUT" default:"30s"`

	// ----------------------------
	// DKIM
	// ----------------------------
	DKIMDomain     string `envconfig:"SMTP_DKIM_DOMAIN" default:""`
	DKIMSelector   string `envconfig:"SMTP_DKIM_SELECTOR" default:""`
	DKIMKeyPath    string `envconfig:"SMTP_DKIM_KEY_PATH" default:""`
	DKIMPrivateKey string `envconfig:"SMTP_DKIM_PRIVATE_KEY" default:""`

	// ----------------------------
	// Accounts
	// ----------------------------
	// SMTPUsers is a JSON array of account objects or
	// "email:password:name" strings.
	SMTPUsers     string `envconfig:"SMTP_USERS" default:""`
	AccountsFile  string `envconfig:"ACCOUNTS_FILE" default:""`
	AccountsWatch bool   `envconfig:"ACCOUNTS_WATCH" default:"true"`

	// ----------------------------
	// Pacing
	// ----------------------------
	DelayMin        time.Duration `envconfig:"EMAIL_DELAY_MIN" default:"2s"`
	DelayMax        time.Duration `envconfig:"EMAIL_DELAY_MAX" default:"5s"`
	DelayPerMessage bool          `envconfig:"EMAIL_DELAY_PER_MESSAGE" default:"false"`
	PaceLimit       int           `envconfig:"PACE_LIMIT" default:"0"`
	PaceWindow      time.Duration `envconfig:"PACE_WINDOW" default:"1m"`
	MaxBatch        int           `envconfig:"MAX_BATCH" default:"1000"`
	CSVMaxRows      int           `envconfig:"CSV_MAX_ROWS" default:"1000"`

	// AttachmentRoot confines file attachments to one directory. Empty
	// means API callers may only send inline attachments.
	AttachmentRoot string `envconfig:"ATTACHMENT_ROOT" default:""`

	// ----------------------------
	// Workers
	// ----------------------------
	WorkerCount        int           `envconfig:"WORKER_COUNT" default:"5"`
	RateLimit          int           `envconfig:"QUEUE_RATE_LIMIT_MAX" default:"10"`
	RateWindow         time.Duration `envconfig:"QUEUE_RATE_LIMIT_DURATION" default:"1s"`
	PollInterval       time.Duration `envconfig:"POLL_INTERVAL" default:"1s"`
	StallCheckInterval time.Duration `envconfig:"STALL_CHECK_INTERVAL" default:"30s"`
	StoreRetry         time.Duration `envconfig:"STORE_RETRY" default:"10s"`

	// ----------------------------
	// Retry / Lease
	// ----------------------------
	RetryAttempts int           `envconfig:"RETRY_ATTEMPTS" default:"3"`
	BackoffBase   time.Duration `envconfig:"RETRY_BACKOFF_BASE" default:"2s"`
	BackoffMax    time.Duration `envconfig:"RETRY_BACKOFF_MAX" default:"10m"`
	LeaseTimeout  time.Duration `envconfig:"LEASE_TIMEOUT" default:"2m"`
	MaxStalls     int           `envconfig:"MAX_STALLS" default:"1"`

	// ----------------------------
	// Storage
	// ----------------------------
	// StoreBackend is memory, sqlite or postgres. QueueBackend may be set
	// to redis to keep the queue there while records stay in StoreBackend.
	StoreBackend      string        `envconfig:"STORE_BACKEND" default:"postgres"`
	QueueBackend      string        `envconfig:"QUEUE_BACKEND" default:""`
	DatabaseURL       string        `envconfig:"DATABASE_URL" default:""`
	SQLitePath        string        `envconfig:"SQLITE_PATH" default:"data/mailpacer.db"`
	SQLiteBusyTimeout time.Duration `envconfig:"SQLITE_BUSY_TIMEOUT" default:"5s"`

	// ----------------------------
	// Redis
	// ----------------------------
	RedisURL    string `envconfig:"REDIS_URL" default:"redis://localhost:6379/0"`
	RedisPrefix string `envconfig:"REDIS_PREFIX" default:"mailpacer"`

	// ----------------------------
	// Kafka
	// ----------------------------
	KafkaBrokers []string `envconfig:"KAFKA_BROKERS"`
	KafkaTopic   string   `envconfig:"KAFKA_TOPIC" default:"mailpacer.job-events"`

	// ----------------------------
	// Retention
	// ----------------------------
	SweepSchedule   string        `envconfig:"SWEEP_SCHEDULE" default:"@every 1h"`
	JobRetention    time.Duration `envconfig:"JOB_RETENTION" default:"24h"`
	RecordRetention time.Duration `envconfig:"RECORD_RETENTION" default:"0"`

	// ----------------------------
	// HTTP API
	// ----------------------------
	APIPort string `envconfig:"API_PORT" default:"8080"`

	// ----------------------------
	// Metrics
	// ----------------------------
	MetricsPort string `envconfig:"METRICS_PORT" default:"9090"`
}

// Load reads .env files when present, then the environment.
func Load(envFiles ...string) (*Config, error) {
	if len(envFiles) == 0 {
		envFiles = []string{".env"}
	}
	for _, f := range envFiles {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("config: load %s: %w", f, err)
		}
	}

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, err
	}
	return &cfg, cfg.Validate()
}

func (c *Config) Validate() error {
	c.StoreBackend = strings.ToLower(strings.TrimSpace(c.StoreBackend))
	c.QueueBackend = strings.ToLower(strings.TrimSpace(c.QueueBackend))

	switch c.StoreBackend {
	case "memory", "sqlite":
	case "postgres":
		if c.DatabaseURL == "" {
			return errors.New("config: DATABASE_URL is required for the postgres backend")
		}
	default:
		return fmt.Errorf("config: unknown STORE_BACKEND %q", c.StoreBackend)
	}
	switch c.QueueBackend {
	case "", c.StoreBackend, "redis":
	default:
		return fmt.Errorf("config: QUEUE_BACKEND must be empty, redis or match STORE_BACKEND, got %q", c.QueueBackend)
	}

	if c.DelayMax < c.DelayMin {
		return errors.New("config: EMAIL_DELAY_MAX is below EMAIL_DELAY_MIN")
	}
	if c.WorkerCount <= 0 {
		return errors.New("config: WORKER_COUNT must be positive")
	}
	if c.RetryAttempts <= 0 {
		return errors.New("config: RETRY_ATTEMPTS must be positive")
	}
	return nil
}
