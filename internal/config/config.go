// Package config loads the Dispute Orchestration Core configuration from
// environment variables (CORE_*), an optional .env file, and an optional
// YAML file carrying the holiday calendar and workflow trigger definitions.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v2"
)

// Config holds every recognized setting with its default applied.
type Config struct {
	// Postgres connection string.
	DBURL string

	// Retention for the domain_events table, in days.
	EventRetentionDays int

	// Task queue backoff.
	TaskBackoffBase time.Duration
	TaskBackoffCap  time.Duration

	// Per-tenant concurrent task cap.
	TenantMaxConcurrency int

	// Default per-letter cost in minor units (cents).
	LetterCostMinor int64

	// Per-round fee captured from the client, in minor units.
	RoundFeeMinor int64

	// Mail provider SFTP. HostKey is the server's public key in
	// authorized_keys form; when set, connections pin to it.
	SFTPHost    string
	SFTPUser    string
	SFTPKeyRef  string
	SFTPHostKey string

	// AI letter generation.
	AIEndpoint     string
	AIBudgetTokens int64

	// Payment webhook HMAC secret.
	PaymentWebhookSecret string

	// Business timezone for CROA / business-day math.
	BusinessTZ string

	// Optional infrastructure.
	RedisAddr     string
	PubSubProject string
	PubSubTopic   string
	HTTPPort      string

	// PII sealing key reference (hex-encoded 32 bytes).
	SealKeyRef string

	// Extras loaded from the YAML config file, if any.
	File FileConfig
}

// FileConfig is the YAML-file portion of the configuration: the federal
// holiday calendar and workflow trigger definitions that ship with a
// deployment rather than living in the database.
type FileConfig struct {
	// Holidays are dates in YYYY-MM-DD form, interpreted in BusinessTZ.
	Holidays []string `yaml:"holidays"`

	Triggers []TriggerRule `yaml:"triggers"`
}

// TriggerRule mirrors the workflow_triggers row shape for file-defined rules.
type TriggerRule struct {
	Name      string            `yaml:"name"`
	EventType string            `yaml:"event_type"`
	Condition string            `yaml:"condition"`
	Action    string            `yaml:"action"`
	Params    map[string]string `yaml:"params"`
	Priority  int               `yaml:"priority"`
	Enabled   bool              `yaml:"enabled"`
}

// Load reads configuration. A .env file is applied best-effort; real
// environment variables win over .env entries.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		DBURL:                os.Getenv("CORE_DB_URL"),
		EventRetentionDays:   envInt("CORE_EVENT_RETENTION_DAYS", 365),
		TaskBackoffBase:      time.Duration(envInt("CORE_TASK_BACKOFF_BASE_S", 30)) * time.Second,
		TaskBackoffCap:       time.Duration(envInt("CORE_TASK_BACKOFF_CAP_S", 3600)) * time.Second,
		TenantMaxConcurrency: envInt("CORE_TENANT_MAX_CONCURRENCY", 8),
		LetterCostMinor:      int64(envInt("CORE_LETTER_COST_MINOR", 1100)),
		RoundFeeMinor:        int64(envInt("CORE_ROUND_FEE_MINOR", 29800)),
		SFTPHost:             os.Getenv("CORE_SFTP_HOST"),
		SFTPUser:             os.Getenv("CORE_SFTP_USER"),
		SFTPKeyRef:           os.Getenv("CORE_SFTP_KEY_REF"),
		SFTPHostKey:          os.Getenv("CORE_SFTP_HOST_KEY"),
		AIEndpoint:           os.Getenv("CORE_AI_ENDPOINT"),
		AIBudgetTokens:       int64(envInt("CORE_AI_BUDGET_TOKENS", 50000)),
		PaymentWebhookSecret: os.Getenv("CORE_PAYMENT_WEBHOOK_SECRET"),
		BusinessTZ:           envStr("CORE_BUSINESS_TZ", "America/New_York"),
		RedisAddr:            os.Getenv("CORE_REDIS_ADDR"),
		PubSubProject:        os.Getenv("CORE_PUBSUB_PROJECT"),
		PubSubTopic:          envStr("CORE_PUBSUB_TOPIC", "dispute-core-events"),
		HTTPPort:             envStr("PORT", "8080"),
		SealKeyRef:           os.Getenv("CORE_SEAL_KEY_REF"),
	}

	if path := os.Getenv("CORE_CONFIG_FILE"); path != "" {
		fc, err := loadFile(path)
		if err != nil {
			return nil, fmt.Errorf("load %s: %w", path, err)
		}
		cfg.File = *fc
	}

	return cfg, nil
}

func loadFile(path string) (*FileConfig, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var fc FileConfig
	if err := yaml.NewDecoder(f).Decode(&fc); err != nil {
		return nil, err
	}
	return &fc, nil
}

// HolidayDates parses the configured holiday strings in the given location.
// Unparseable entries are skipped rather than failing startup.
func (c *Config) HolidayDates(loc *time.Location) []time.Time {
	out := make([]time.Time, 0, len(c.File.Holidays))
	for _, s := range c.File.Holidays {
		t, err := time.ParseInLocation("2006-01-02", s, loc)
		if err != nil {
			continue
		}
		out = append(out, t)
	}
	return out
}

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
