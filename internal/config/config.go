// Package config provides application configuration management.
//
// Values come from a JSON file, then from the environment (optionally seeded
// from .env files), then fall back to defaults.
package config

import (
	"cmp"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/otomoni/machinemon/internal/blob"
	"github.com/otomoni/machinemon/internal/equipment"
	"github.com/otomoni/machinemon/internal/eventlog"
	"github.com/otomoni/machinemon/internal/threshold"
	"github.com/otomoni/machinemon/internal/types"
	"github.com/otomoni/machinemon/internal/util"
)

// Configuration defaults are used when values are not specified.
const (
	DefaultWebPort          = 8080
	DefaultLogFormat        = "text"
	DefaultLogLevel         = "info"
	DefaultIndexStore       = StoreDynamoDB
	DefaultTableName        = "AudioIndex"
	DefaultSQLitePath       = "machinemon.db"
	DefaultAnalysisWindowMs = 3000
	DefaultIngestWorkers    = 4
	DefaultRetryDelayMs     = 500
	DefaultBackfillLimit    = 200
	DefaultMQTTClientID     = "machinemon"
	DefaultMQTTTopic        = "ack/+/record"
	DefaultStatusIntervalMs = 60000
)

// Index store types.
const (
	StoreDynamoDB = "dynamodb"
	StoreSQLite   = "sqlite"
	StoreMemory   = "memory"
)

// SystemConfig holds process-level settings that require restart.
type SystemConfig struct {
	Port         int    `json:"port" validate:"gte=1,lte=65535"`
	LogFormat    string `json:"log_format" validate:"oneof=text json"`
	LogLevel     string `json:"log_level" validate:"oneof=debug info warn error"`
	EventLogPath string `json:"event_log_path"`
	// APIKey, when set, is required on mutating API routes.
	APIKey string `json:"api_key,omitempty"`
}

// IndexConfig selects and configures the recording index store.
type IndexConfig struct {
	Store      string `json:"store" validate:"oneof=dynamodb sqlite memory"`
	Table      string `json:"table"`
	Endpoint   string `json:"endpoint,omitempty"`
	SQLitePath string `json:"sqlite_path,omitempty"`
}

// IngestConfig holds ingestion pipeline settings.
type IngestConfig struct {
	WindowMs     int64 `json:"window_ms" validate:"gte=100,lte=60000"`
	Workers      int   `json:"workers" validate:"gte=1,lte=64"`
	RetryDelayMs int64 `json:"retry_delay_ms" validate:"gte=0,lte=30000"`
}

// BackfillConfig holds level and index backfill settings.
type BackfillConfig struct {
	Limit int `json:"limit" validate:"gte=1,lte=10000"`
	// Schedule is a cron expression; empty disables scheduled backfill.
	Schedule string `json:"schedule,omitempty"`
}

// MQTTConfig holds the recorder acknowledgement subscription settings.
type MQTTConfig struct {
	Broker   string `json:"broker,omitempty"`
	ClientID string `json:"client_id"`
	Topic    string `json:"topic"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
}

// WebhookConfig holds state-change webhook settings. The token fields enable
// OAuth2 client-credentials authentication.
type WebhookConfig struct {
	URL          string   `json:"url,omitempty" validate:"omitempty,http_url"`
	TokenURL     string   `json:"token_url,omitempty" validate:"omitempty,http_url"`
	ClientID     string   `json:"client_id,omitempty"`
	ClientSecret string   `json:"client_secret,omitempty"`
	Scopes       []string `json:"scopes,omitempty"`
}

// StatusConfig holds status evaluation settings for the push feed and notifications.
type StatusConfig struct {
	IntervalMs int64 `json:"interval_ms" validate:"gte=1000"`
	// Equipment lists identifiers evaluated on every interval.
	Equipment []string `json:"equipment,omitempty"`
}

// Config holds all application configuration. It is safe for concurrent use.
type Config struct {
	System     SystemConfig     `json:"system"`
	Storage    blob.S3Config    `json:"storage"`
	Index      IndexConfig      `json:"index"`
	Thresholds threshold.Config `json:"thresholds"`
	Ingest     IngestConfig     `json:"ingest"`
	Backfill   BackfillConfig   `json:"backfill"`
	MQTT       MQTTConfig       `json:"mqtt"`
	Webhook    WebhookConfig    `json:"webhook"`
	Status     StatusConfig     `json:"status"`

	mu       sync.RWMutex
	filePath string
}

// New creates a new Config with default values. An empty filePath disables
// the configuration file.
func New(filePath string) *Config {
	return &Config{
		System: SystemConfig{
			Port:         DefaultWebPort,
			LogFormat:    DefaultLogFormat,
			LogLevel:     DefaultLogLevel,
			EventLogPath: eventlog.DefaultLogPath(),
		},
		Index: IndexConfig{
			Store:      DefaultIndexStore,
			Table:      DefaultTableName,
			SQLitePath: DefaultSQLitePath,
		},
		Thresholds: threshold.DefaultConfig(),
		Ingest: IngestConfig{
			WindowMs:     DefaultAnalysisWindowMs,
			Workers:      DefaultIngestWorkers,
			RetryDelayMs: DefaultRetryDelayMs,
		},
		Backfill: BackfillConfig{Limit: DefaultBackfillLimit},
		MQTT: MQTTConfig{
			ClientID: DefaultMQTTClientID,
			Topic:    DefaultMQTTTopic,
		},
		Status:   StatusConfig{IntervalMs: DefaultStatusIntervalMs},
		filePath: filePath,
	}
}

// Load reads the config file if present, applies environment overrides and
// validates the result. A missing file is not an error.
func (c *Config) Load() error {
	return c.load(os.LookupEnv)
}

func (c *Config) load(lookup LookupFunc) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.filePath != "" {
		data, err := os.ReadFile(c.filePath)
		switch {
		case os.IsNotExist(err):
		case err != nil:
			return fmt.Errorf("failed to read config: %w", err)
		default:
			if err := json.Unmarshal(data, c); err != nil {
				return util.WrapError("parse config", err)
			}
		}
	}

	if err := c.applyEnv(lookup); err != nil {
		return err
	}
	c.applyDefaults()
	return c.validate()
}

// validate checks all configuration fields for correctness.
func (c *Config) validate() error {
	if err := types.ValidateStruct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if err := util.ValidatePath("system.event_log_path", c.System.EventLogPath); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if c.Index.Store == StoreSQLite {
		if err := util.ValidatePath("index.sqlite_path", c.Index.SQLitePath); err != nil {
			return fmt.Errorf("invalid config: %w", err)
		}
	}
	if c.Index.Store == StoreDynamoDB && c.Storage.Region == "" {
		return fmt.Errorf("invalid config: storage.region (AWS_REGION) is required for the dynamodb store")
	}
	if c.Webhook.TokenURL != "" && !util.IsConfigured(c.Webhook.ClientID, c.Webhook.ClientSecret) {
		return fmt.Errorf("invalid config: webhook.token_url requires client_id and client_secret")
	}
	return nil
}

// applyDefaults sets default values for zero-value fields.
func (c *Config) applyDefaults() {
	c.System.Port = cmp.Or(c.System.Port, DefaultWebPort)
	c.System.LogFormat = cmp.Or(c.System.LogFormat, DefaultLogFormat)
	c.System.LogLevel = cmp.Or(c.System.LogLevel, DefaultLogLevel)
	c.System.EventLogPath = cmp.Or(c.System.EventLogPath, eventlog.DefaultLogPath())
	c.Index.Store = cmp.Or(c.Index.Store, DefaultIndexStore)
	c.Index.Table = cmp.Or(c.Index.Table, DefaultTableName)
	c.Index.SQLitePath = cmp.Or(c.Index.SQLitePath, DefaultSQLitePath)
	c.Ingest.WindowMs = cmp.Or(c.Ingest.WindowMs, DefaultAnalysisWindowMs)
	c.Ingest.Workers = cmp.Or(c.Ingest.Workers, DefaultIngestWorkers)
	c.Backfill.Limit = cmp.Or(c.Backfill.Limit, DefaultBackfillLimit)
	c.MQTT.ClientID = cmp.Or(c.MQTT.ClientID, DefaultMQTTClientID)
	c.MQTT.Topic = cmp.Or(c.MQTT.Topic, DefaultMQTTTopic)
	c.Status.IntervalMs = cmp.Or(c.Status.IntervalMs, DefaultStatusIntervalMs)
}

// Save persists the configuration to its file.
func (c *Config) Save() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.saveLocked()
}

// saveLocked persists configuration. Caller must hold c.mu.
func (c *Config) saveLocked() error {
	if c.filePath == "" {
		return fmt.Errorf("no config file path")
	}
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return util.WrapError("marshal config", err)
	}

	dir := filepath.Dir(c.filePath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return util.WrapError("create config directory", err)
	}

	if err := os.WriteFile(c.filePath, data, 0o600); err != nil {
		return util.WrapError("write config", err)
	}

	return nil
}

// Path returns the configuration file path.
func (c *Config) Path() string {
	return c.filePath
}

// --- Snapshot for atomic reads ---

// Snapshot is a point-in-time copy of configuration values.
type Snapshot struct {
	// System
	WebPort      int
	LogFormat    string
	LogLevel     string
	EventLogPath string
	APIKey       string

	// Storage and index
	Storage    blob.S3Config
	IndexStore string
	TableName  string
	Endpoint   string
	SQLitePath string

	// Engine
	Thresholds     threshold.Config
	AnalysisWindow time.Duration
	IngestWorkers  int
	RetryDelay     time.Duration
	BackfillLimit  int
	BackfillCron   string

	// MQTT
	MQTTBroker   string
	MQTTClientID string
	MQTTTopic    string
	MQTTUsername string
	MQTTPassword string

	// Notifications
	WebhookURL          string
	WebhookTokenURL     string
	WebhookClientID     string
	WebhookClientSecret string
	WebhookScopes       []string

	// Status feed
	StatusInterval   time.Duration
	WatchEquipment   []string
	DefaultEquipment string
}

// Snapshot returns a point-in-time copy of all configuration values.
func (c *Config) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return Snapshot{
		WebPort:      c.System.Port,
		LogFormat:    c.System.LogFormat,
		LogLevel:     c.System.LogLevel,
		EventLogPath: c.System.EventLogPath,
		APIKey:       c.System.APIKey,

		Storage:    c.Storage,
		IndexStore: c.Index.Store,
		TableName:  c.Index.Table,
		Endpoint:   c.Index.Endpoint,
		SQLitePath: c.Index.SQLitePath,

		Thresholds:     c.Thresholds,
		AnalysisWindow: time.Duration(c.Ingest.WindowMs) * time.Millisecond,
		IngestWorkers:  c.Ingest.Workers,
		RetryDelay:     time.Duration(c.Ingest.RetryDelayMs) * time.Millisecond,
		BackfillLimit:  c.Backfill.Limit,
		BackfillCron:   c.Backfill.Schedule,

		MQTTBroker:   c.MQTT.Broker,
		MQTTClientID: c.MQTT.ClientID,
		MQTTTopic:    c.MQTT.Topic,
		MQTTUsername: c.MQTT.Username,
		MQTTPassword: c.MQTT.Password,

		WebhookURL:          c.Webhook.URL,
		WebhookTokenURL:     c.Webhook.TokenURL,
		WebhookClientID:     c.Webhook.ClientID,
		WebhookClientSecret: c.Webhook.ClientSecret,
		WebhookScopes:       append([]string(nil), c.Webhook.Scopes...),

		StatusInterval:   time.Duration(c.Status.IntervalMs) * time.Millisecond,
		WatchEquipment:   append([]string(nil), c.Status.Equipment...),
		DefaultEquipment: equipment.FromPrefix(c.Storage.Prefix),
	}
}

// HasWebhook reports whether a webhook URL is configured.
func (s *Snapshot) HasWebhook() bool {
	return s.WebhookURL != ""
}

// HasWebhookAuth reports whether webhook calls use OAuth2 client credentials.
func (s *Snapshot) HasWebhookAuth() bool {
	return util.IsConfigured(s.WebhookTokenURL, s.WebhookClientID, s.WebhookClientSecret)
}

// HasMQTT reports whether the recorder acknowledgement trigger is configured.
func (s *Snapshot) HasMQTT() bool {
	return s.MQTTBroker != ""
}
