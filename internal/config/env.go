package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// LookupFunc reads an environment variable, like os.LookupEnv.
type LookupFunc func(key string) (string, bool)

// LoadDotEnv loads variables from the given .env files (default ".env")
// without overriding variables already set. Missing files are ignored.
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load %s: %w", f, err)
		}
	}
	return nil
}

// applyEnv overrides file values with environment variables. Where several
// names are listed the first one set wins. Caller must hold c.mu.
func (c *Config) applyEnv(lookup LookupFunc) error {
	e := envReader{lookup: lookup}

	e.str(&c.Storage.Region, "OTOMONI_REGION", "AWS_REGION")
	e.str(&c.Storage.Endpoint, "OTOMONI_S3_ENDPOINT", "S3_ENDPOINT")
	e.str(&c.Storage.Bucket, "OTOMONI_S3_BUCKET_NAME", "S3_BUCKET_NAME")
	e.str(&c.Storage.Prefix, "S3_AUDIO_PREFIX")
	e.str(&c.Storage.AccessKeyID, "OTOMONI_ACCESS_KEY_ID")
	e.str(&c.Storage.SecretAccessKey, "OTOMONI_SECRET_ACCESS_KEY")
	e.str(&c.Storage.SessionToken, "OTOMONI_SESSION_TOKEN")

	e.str(&c.Index.Store, "INDEX_STORE")
	e.str(&c.Index.Table, "OTOMONI_AUDIO_TABLE_NAME", "AUDIO_TABLE_NAME")
	e.str(&c.Index.Endpoint, "DYNAMODB_ENDPOINT")
	e.str(&c.Index.SQLitePath, "SQLITE_PATH")

	e.float(&c.Thresholds.QLow, "THRESH_Q_LOW")
	e.float(&c.Thresholds.QHigh, "THRESH_Q_HIGH")
	e.float(&c.Thresholds.MinMarginDB, "THRESH_MARGIN_MIN_DB")
	e.float(&c.Thresholds.OnBiasDB, "THRESH_ON_BIAS_DB")
	e.float(&c.Thresholds.TolDB, "THRESH_TOL_DB")
	e.int(&c.Thresholds.N, "THRESH_N")
	e.int(&c.Thresholds.MinSamples, "THRESH_MIN_SAMPLES")
	e.int64(&c.Thresholds.MaxAgeMs, "THRESH_MAX_AGE_MS")

	e.int64(&c.Ingest.WindowMs, "ANALYSIS_WINDOW_MS")
	e.int(&c.Ingest.Workers, "INGEST_WORKERS")
	e.int(&c.Backfill.Limit, "BACKFILL_DBFS_LIMIT")
	e.str(&c.Backfill.Schedule, "BACKFILL_SCHEDULE")

	e.str(&c.MQTT.Broker, "MQTT_BROKER")
	e.str(&c.MQTT.ClientID, "MQTT_CLIENT_ID")
	e.str(&c.MQTT.Topic, "MQTT_TOPIC_RECORD")
	e.str(&c.MQTT.Username, "MQTT_USERNAME")
	e.str(&c.MQTT.Password, "MQTT_PASSWORD")

	e.str(&c.Webhook.URL, "STATE_WEBHOOK_URL")
	e.str(&c.Webhook.TokenURL, "STATE_WEBHOOK_TOKEN_URL")
	e.str(&c.Webhook.ClientID, "STATE_WEBHOOK_CLIENT_ID")
	e.str(&c.Webhook.ClientSecret, "STATE_WEBHOOK_CLIENT_SECRET")
	if v, ok := e.get("STATE_WEBHOOK_SCOPES"); ok {
		c.Webhook.Scopes = splitList(v)
	}
	if v, ok := e.get("STATUS_EQUIPMENT"); ok {
		c.Status.Equipment = splitList(v)
	}

	e.int(&c.System.Port, "PORT")
	e.str(&c.System.LogFormat, "LOG_FORMAT")
	e.str(&c.System.LogLevel, "LOG_LEVEL")
	e.str(&c.System.EventLogPath, "EVENT_LOG_PATH")
	e.str(&c.System.APIKey, "API_KEY")

	return errors.Join(e.errs...)
}

// envReader applies variables and collects parse failures.
type envReader struct {
	lookup LookupFunc
	errs   []error
}

func (e *envReader) get(keys ...string) (string, bool) {
	for _, k := range keys {
		if v, ok := e.lookup(k); ok && strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v), true
		}
	}
	return "", false
}

func (e *envReader) str(dst *string, keys ...string) {
	if v, ok := e.get(keys...); ok {
		*dst = v
	}
}

func (e *envReader) float(dst *float64, key string) {
	v, ok := e.get(key)
	if !ok {
		return
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s: %q is not a number", key, v))
		return
	}
	*dst = f
}

func (e *envReader) int(dst *int, key string) {
	v, ok := e.get(key)
	if !ok {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s: %q is not an integer", key, v))
		return
	}
	*dst = n
}

func (e *envReader) int64(dst *int64, key string) {
	v, ok := e.get(key)
	if !ok {
		return
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s: %q is not an integer", key, v))
		return
	}
	*dst = n
}

func splitList(v string) []string {
	var out []string
	for p := range strings.SplitSeq(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
