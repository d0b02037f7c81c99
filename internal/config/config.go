// Package config loads the environment-variable configuration for
// both cmd/hydrator and cmd/pulsewatch (spec.md §6: "loading is out of
// scope" for the core components, but a concrete loader still has to
// exist at the binary boundary).
//
// Grounded on eval-engine/internal/config/ingestion.go's
// getEnv/getInt/getFloat helper pattern, extended with getInt64 and
// getStringList/getJSONStringList for the multi-value settings spec.md
// §6 names (jetstream hosts, wanted collections). The JSON-array shape
// of JETSTREAM_HOSTS mirrors original_source rust/src/config/settings.rs's
// JETSTREAM_HOSTS handling (serde_json::from_str over the env value).
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// HydratorConfig is cmd/hydrator's full environment-sourced
// configuration.
type HydratorConfig struct {
	Handle      string
	AppPassword string

	JetstreamHosts    []string
	WantedCollections []string

	RateLimitRequestsPerInterval int
	RateLimitInterval            time.Duration
	RateLimitBurst               int

	APIBaseURL string
	MaxRetries int
	BaseDelay  time.Duration

	ProfileBatchSize   int
	PostBatchSize      int
	ProfileBatchWait   time.Duration
	PostBatchWait      time.Duration
	ProfileCacheSize   int
	RecordCacheSize    int
	MaxConcurrentReqs  int
	OrchestratorModulo int
	OrchestratorShard  int
	MaxWaitTime        time.Duration
	BatchSize          int

	DBPath               string
	RetentionDays        int
	MaxDBSizeBytes       int64
	CleanupCheckInterval time.Duration
	ArchiveS3Bucket      string
	ArchiveS3Prefix      string

	PublishedStreamBrokers []string
	PublishedStreamTopic   string

	TelemetryAPIKey string
	AdminAddr       string
}

const (
	defaultRateLimitRequests  = 3000
	defaultRateLimitInterval  = 5 * time.Minute
	defaultRateLimitBurst     = 100
	defaultMaxRetries         = 3
	defaultBaseDelayMs        = 500
	defaultProfileBatchSize   = 25
	defaultPostBatchSize      = 25
	defaultProfileBatchWaitMs = 50
	defaultPostBatchWaitMs    = 50
	defaultProfileCacheSize   = 20000
	defaultRecordCacheSize    = 20000
	defaultMaxConcurrentReqs  = 100
	defaultOrchestratorModulo = 0
	defaultOrchestratorShard  = 0
	defaultMaxWaitTimeMs      = 200
	defaultBatchSize          = 25
	defaultDBPath             = "data/hydrator.db"
	defaultRetentionDays      = 30
	defaultMaxDBSizeMB        = 1024
	defaultCleanupIntervalMin = 60
	defaultAdminAddr          = ":8090"
)

// LoadHydrator builds a HydratorConfig from the environment, returning
// an error if a required credential is missing.
func LoadHydrator() (HydratorConfig, error) {
	cfg := HydratorConfig{
		Handle:      os.Getenv("BLUESKY_HANDLE"),
		AppPassword: os.Getenv("BLUESKY_APP_PASSWORD"),

		JetstreamHosts:    getJSONStringList("JETSTREAM_HOSTS", []string{"jetstream1.us-east.bsky.network", "jetstream2.us-east.bsky.network"}),
		WantedCollections: getStringList("WANTED_COLLECTIONS", []string{"app.bsky.feed.post"}),

		RateLimitRequestsPerInterval: getInt("RATE_LIMIT_REQUESTS", defaultRateLimitRequests),
		RateLimitInterval:            getDuration("RATE_LIMIT_INTERVAL_MS", defaultRateLimitInterval),
		RateLimitBurst:               getInt("RATE_LIMIT_BURST", defaultRateLimitBurst),

		APIBaseURL: getEnv("API_BASE_URL", "https://bsky.social/xrpc"),
		MaxRetries: getInt("API_MAX_RETRIES", defaultMaxRetries),
		BaseDelay:  time.Duration(getInt("API_BASE_DELAY_MS", defaultBaseDelayMs)) * time.Millisecond,

		ProfileBatchSize:  getInt("PROFILE_BATCH_SIZE", defaultProfileBatchSize),
		PostBatchSize:     getInt("POST_BATCH_SIZE", defaultPostBatchSize),
		ProfileBatchWait:  time.Duration(getInt("PROFILE_BATCH_WAIT_MS", defaultProfileBatchWaitMs)) * time.Millisecond,
		PostBatchWait:     time.Duration(getInt("POST_BATCH_WAIT_MS", defaultPostBatchWaitMs)) * time.Millisecond,
		ProfileCacheSize:  getInt("PROFILE_CACHE_SIZE", defaultProfileCacheSize),
		RecordCacheSize:   getInt("RECORD_CACHE_SIZE", defaultRecordCacheSize),
		MaxConcurrentReqs: getInt("MAX_CONCURRENT_REQUESTS", defaultMaxConcurrentReqs),

		OrchestratorModulo: getInt("SHARD_MODULO", defaultOrchestratorModulo),
		OrchestratorShard:  getInt("SHARD_INDEX", defaultOrchestratorShard),
		MaxWaitTime:        time.Duration(getInt("MAX_WAIT_TIME_MS", defaultMaxWaitTimeMs)) * time.Millisecond,
		BatchSize:          getInt("BATCH_SIZE", defaultBatchSize),

		DBPath:               getEnv("DB_PATH", defaultDBPath),
		RetentionDays:        getInt("RETENTION_DAYS", defaultRetentionDays),
		MaxDBSizeBytes:       getInt64("MAX_DB_SIZE_MB", defaultMaxDBSizeMB) * 1024 * 1024,
		CleanupCheckInterval: time.Duration(getInt("CLEANUP_CHECK_INTERVAL_MINUTES", defaultCleanupIntervalMin)) * time.Minute,
		ArchiveS3Bucket:      os.Getenv("ARCHIVE_S3_BUCKET"),
		ArchiveS3Prefix:      getEnv("ARCHIVE_S3_PREFIX", "cold"),

		PublishedStreamBrokers: getStringList("PUBLISHED_STREAM_BROKERS", []string{"localhost:9092"}),
		PublishedStreamTopic:   getEnv("PUBLISHED_STREAM_TOPIC", "hydrated-records"),

		TelemetryAPIKey: os.Getenv("TELEMETRY_API_KEY"),
		AdminAddr:       getEnv("ADMIN_ADDR", defaultAdminAddr),
	}

	if cfg.Handle == "" || cfg.AppPassword == "" {
		return HydratorConfig{}, fmt.Errorf("config: BLUESKY_HANDLE and BLUESKY_APP_PASSWORD are required")
	}
	return cfg, nil
}

// PulsewatchConfig is cmd/pulsewatch's environment-sourced
// configuration; CLI flags (ParsePulsewatchFlags) override the shard
// fields per spec.md §6's CLI surface.
type PulsewatchConfig struct {
	StreamAEndpoints []string
	StreamBEndpoints []string
	EMAAlpha         float64
	DBPath           string
	AdminAddr        string
	ShardModulo      int
	ShardIndex       int
	LogLevel         string
}

const (
	defaultEMAAlpha          = 0.3
	defaultPulsewatchDBPath  = "data/pulsewatch.db"
	defaultPulsewatchAddr    = ":8091"
	defaultPulsewatchLogging = "info"
)

// LoadPulsewatch builds a PulsewatchConfig from the environment.
func LoadPulsewatch() PulsewatchConfig {
	return PulsewatchConfig{
		StreamAEndpoints: getStringList("STREAM_A_ENDPOINTS", []string{"jetstream1.us-east.bsky.network"}),
		StreamBEndpoints: getStringList("STREAM_B_ENDPOINTS", []string{"jetstream2.us-east.bsky.network"}),
		EMAAlpha:         getFloat("EMA_ALPHA", defaultEMAAlpha),
		DBPath:           getEnv("PULSEWATCH_DB_PATH", defaultPulsewatchDBPath),
		AdminAddr:        getEnv("PULSEWATCH_ADMIN_ADDR", defaultPulsewatchAddr),
		ShardModulo:      getInt("SHARD_MODULO", 0),
		ShardIndex:       getInt("SHARD_INDEX", 0),
		LogLevel:         getEnv("LOG_LEVEL", defaultPulsewatchLogging),
	}
}

// ParsePulsewatchFlags parses the CLI surface spec.md §6 names for
// cmd/pulsewatch ("--modulo N --shard I select shard I of N;
// --log-level LEVEL"), overriding cfg's env-sourced shard fields when
// the corresponding flag is set.
func ParsePulsewatchFlags(cfg PulsewatchConfig, args []string) (PulsewatchConfig, error) {
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--modulo":
			i++
			if i >= len(args) {
				return cfg, fmt.Errorf("config: --modulo requires a value")
			}
			n, err := strconv.Atoi(args[i])
			if err != nil {
				return cfg, fmt.Errorf("config: invalid --modulo value %q: %w", args[i], err)
			}
			cfg.ShardModulo = n
		case "--shard":
			i++
			if i >= len(args) {
				return cfg, fmt.Errorf("config: --shard requires a value")
			}
			n, err := strconv.Atoi(args[i])
			if err != nil {
				return cfg, fmt.Errorf("config: invalid --shard value %q: %w", args[i], err)
			}
			cfg.ShardIndex = n
		case "--log-level":
			i++
			if i >= len(args) {
				return cfg, fmt.Errorf("config: --log-level requires a value")
			}
			cfg.LogLevel = args[i]
		}
	}
	return cfg, nil
}

func getEnv(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func getInt(key string, fallback int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return fallback
}

func getInt64(key string, fallback int64) int64 {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.ParseInt(val, 10, 64); err == nil {
			return i
		}
	}
	return fallback
}

func getFloat(key string, fallback float64) float64 {
	if val := os.Getenv(key); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return f
		}
	}
	return fallback
}

func getDuration(key string, fallback time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if ms, err := strconv.Atoi(val); err == nil {
			return time.Duration(ms) * time.Millisecond
		}
	}
	return fallback
}

// getStringList splits a comma-separated env var, trimming whitespace
// around each entry (spec.md §6: "wanted collections").
func getStringList(key string, fallback []string) []string {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	parts := strings.Split(val, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return fallback
	}
	return out
}

// getJSONStringList parses a JSON array env var (spec.md §6: "jetstream
// hosts (JSON list)"), falling back if unset or malformed.
func getJSONStringList(key string, fallback []string) []string {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	var out []string
	if err := json.Unmarshal([]byte(val), &out); err != nil || len(out) == 0 {
		return fallback
	}
	return out
}
