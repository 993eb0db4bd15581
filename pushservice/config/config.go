package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/illmade-knight/go-dataflow/pkg/messagepipeline"
	"github.com/tinywideclouds/go-microservice-base/pkg/middleware"
)

// Store drivers.
const (
	DriverFirestore = "firestore"
	DriverPostgres  = "postgres"
	DriverSQLite    = "sqlite"
)

// Cache backends.
const (
	CacheNone   = "none"
	CacheRedis  = "redis"
	CacheMemory = "memory"
)

type StoreConfig struct {
	Driver     string
	DSN        string
	Collection string
}

type CacheConfig struct {
	Backend string
	TTL     time.Duration
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type ExpoConfig struct {
	Enabled     bool
	Endpoint    string
	AccessToken string
	Timeout     time.Duration
}

type FCMConfig struct {
	Enabled bool
}

type APNSConfig struct {
	Enabled      bool
	KeyID        string
	TeamID       string
	BundleID     string
	P8KeyContent string
	Production   bool
}

type VapidConfig struct {
	PublicKey       string
	PrivateKey      string
	SubscriberEmail string
	TTL             time.Duration
}

// Enabled reports whether both VAPID keys are present.
func (v VapidConfig) Enabled() bool {
	return v.PublicKey != "" && v.PrivateKey != ""
}

type RateLimitConfig struct {
	RequestsPerSecond float64
	Burst             int
}

// Config defines the *single*, authoritative configuration.
type Config struct {
	ProjectID              string
	ListenAddr             string
	TopicID                string
	SubscriptionID         string
	SubscriptionDLQTopicID string
	NumPipelineWorkers     int
	MaxConcurrentChunks    int
	IdentityServiceURL     string

	CorsConfig middleware.CorsConfig
	Store      StoreConfig
	Cache      CacheConfig
	Redis      RedisConfig
	Expo       ExpoConfig
	FCM        FCMConfig
	APNS       APNSConfig
	Vapid      VapidConfig
	RateLimit  RateLimitConfig

	PubsubConsumerConfig *messagepipeline.GooglePubsubConsumerConfig
}

// UpdateConfigWithEnvOverrides applies environment variables and final validation.
func UpdateConfigWithEnvOverrides(cfg *Config, logger *slog.Logger) (*Config, error) {
	logger.Debug("Applying environment variable overrides...")

	override := func(key string, target *string) {
		if val := os.Getenv(key); val != "" {
			logger.Debug("Overriding config value", "key", key, "source", "env")
			*target = val
		}
	}

	// 1. Apply Environment Overrides
	override("PROJECT_ID", &cfg.ProjectID)
	if val := os.Getenv("PORT"); val != "" {
		logger.Debug("Overriding config value", "key", "PORT", "source", "env")
		cfg.ListenAddr = ":" + val
	}
	override("TOPIC_ID", &cfg.TopicID)
	if val := os.Getenv("SUBSCRIPTION_ID"); val != "" {
		logger.Debug("Overriding config value", "key", "SUBSCRIPTION_ID", "source", "env")
		cfg.SubscriptionID = val
		cfg.PubsubConsumerConfig = messagepipeline.NewGooglePubsubConsumerDefaults(val)
	}
	override("SUBSCRIPTION_DLQ_TOPIC_ID", &cfg.SubscriptionDLQTopicID)
	if val := os.Getenv("NUM_PIPELINE_WORKERS"); val != "" {
		if workers, err := strconv.Atoi(val); err == nil && workers > 0 {
			logger.Debug("Overriding config value", "key", "NUM_PIPELINE_WORKERS", "source", "env")
			cfg.NumPipelineWorkers = workers
		}
	}
	if val := os.Getenv("MAX_CONCURRENT_CHUNKS"); val != "" {
		if n, err := strconv.Atoi(val); err == nil && n > 0 {
			logger.Debug("Overriding config value", "key", "MAX_CONCURRENT_CHUNKS", "source", "env")
			cfg.MaxConcurrentChunks = n
		}
	}
	override("IDENTITY_SERVICE_URL", &cfg.IdentityServiceURL)

	// Store Overrides
	override("STORE_DRIVER", &cfg.Store.Driver)
	override("STORE_DSN", &cfg.Store.DSN)
	override("STORE_COLLECTION", &cfg.Store.Collection)

	// Cache Overrides
	override("CACHE_BACKEND", &cfg.Cache.Backend)
	if val := os.Getenv("CACHE_TTL"); val != "" {
		if ttl, err := time.ParseDuration(val); err == nil {
			cfg.Cache.TTL = ttl
		}
	}
	if val := os.Getenv("REDIS_ADDR"); val != "" {
		cfg.Redis.Addr = val
		if cfg.Cache.Backend == "" || cfg.Cache.Backend == CacheNone {
			cfg.Cache.Backend = CacheRedis
		}
	}
	override("REDIS_PASSWORD", &cfg.Redis.Password)
	if val := os.Getenv("REDIS_DB"); val != "" {
		if db, err := strconv.Atoi(val); err == nil {
			cfg.Redis.DB = db
		}
	}

	// Expo Overrides
	override("EXPO_ENDPOINT", &cfg.Expo.Endpoint)
	override("EXPO_ACCESS_TOKEN", &cfg.Expo.AccessToken)
	if val := os.Getenv("EXPO_TIMEOUT"); val != "" {
		if timeout, err := time.ParseDuration(val); err == nil {
			cfg.Expo.Timeout = timeout
		}
	}
	if val := os.Getenv("EXPO_ENABLED"); val != "" {
		cfg.Expo.Enabled, _ = strconv.ParseBool(val)
	}

	// FCM Overrides
	if val := os.Getenv("FCM_ENABLED"); val != "" {
		cfg.FCM.Enabled, _ = strconv.ParseBool(val)
	}

	// APNs Overrides
	override("APNS_KEY_ID", &cfg.APNS.KeyID)
	override("APNS_TEAM_ID", &cfg.APNS.TeamID)
	override("APNS_BUNDLE_ID", &cfg.APNS.BundleID)
	override("APNS_P8_KEY", &cfg.APNS.P8KeyContent)
	if val := os.Getenv("APNS_PRODUCTION"); val != "" {
		cfg.APNS.Production, _ = strconv.ParseBool(val)
	}
	if val := os.Getenv("APNS_ENABLED"); val != "" {
		cfg.APNS.Enabled, _ = strconv.ParseBool(val)
	}

	// VAPID Overrides
	override("VAPID_PUBLIC_KEY", &cfg.Vapid.PublicKey)
	override("VAPID_PRIVATE_KEY", &cfg.Vapid.PrivateKey)
	override("VAPID_SUB_EMAIL", &cfg.Vapid.SubscriberEmail)

	// Rate Limit Overrides
	if val := os.Getenv("RATE_LIMIT_RPS"); val != "" {
		if rps, err := strconv.ParseFloat(val, 64); err == nil {
			cfg.RateLimit.RequestsPerSecond = rps
		}
	}
	if val := os.Getenv("RATE_LIMIT_BURST"); val != "" {
		if burst, err := strconv.Atoi(val); err == nil {
			cfg.RateLimit.Burst = burst
		}
	}

	// CORS Overrides
	if corsOrigins := os.Getenv("CORS_ALLOWED_ORIGINS"); corsOrigins != "" {
		logger.Debug("Overriding config value", "key", "CORS_ALLOWED_ORIGINS", "source", "env")
		rawOrigins := strings.Split(corsOrigins, ",")
		var cleanOrigins []string
		for _, o := range rawOrigins {
			if trimmed := strings.TrimSpace(o); trimmed != "" {
				cleanOrigins = append(cleanOrigins, trimmed)
			}
		}
		cfg.CorsConfig.AllowedOrigins = cleanOrigins
	}

	// 2. Final Validation
	if err := validate(cfg); err != nil {
		return nil, err
	}

	logger.Debug("Configuration finalized and validated successfully")
	return cfg, nil
}

func validate(cfg *Config) error {
	if cfg.ProjectID == "" {
		return fmt.Errorf("project_id is required (set via YAML or PROJECT_ID env var)")
	}
	if cfg.SubscriptionID == "" {
		return fmt.Errorf("subscription_id is required (set via YAML or SUBSCRIPTION_ID env var)")
	}
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = ":8080"
	}
	if cfg.NumPipelineWorkers <= 0 {
		cfg.NumPipelineWorkers = 1
	}
	if cfg.MaxConcurrentChunks <= 0 {
		cfg.MaxConcurrentChunks = 4
	}

	cfg.Store.Driver = strings.ToLower(cfg.Store.Driver)
	switch cfg.Store.Driver {
	case "":
		cfg.Store.Driver = DriverFirestore
	case DriverFirestore:
	case DriverPostgres, DriverSQLite:
		if cfg.Store.DSN == "" {
			return fmt.Errorf("store.dsn is required for the %s driver (set via YAML or STORE_DSN env var)", cfg.Store.Driver)
		}
	default:
		return fmt.Errorf("unsupported store driver %q", cfg.Store.Driver)
	}

	cfg.Cache.Backend = strings.ToLower(cfg.Cache.Backend)
	switch cfg.Cache.Backend {
	case "":
		cfg.Cache.Backend = CacheNone
	case CacheNone, CacheMemory:
	case CacheRedis:
		if cfg.Redis.Addr == "" {
			return fmt.Errorf("redis.addr is required when cache.backend is redis")
		}
	default:
		return fmt.Errorf("unsupported cache backend %q", cfg.Cache.Backend)
	}
	if cfg.Cache.TTL <= 0 {
		cfg.Cache.TTL = 24 * time.Hour
	}

	if cfg.Expo.Timeout <= 0 {
		cfg.Expo.Timeout = 15 * time.Second
	}

	if cfg.APNS.Enabled {
		if cfg.APNS.KeyID == "" || cfg.APNS.TeamID == "" || cfg.APNS.BundleID == "" || cfg.APNS.P8KeyContent == "" {
			return fmt.Errorf("apns is enabled but key_id, team_id, bundle_id or the p8 key is missing")
		}
	}

	if cfg.RateLimit.RequestsPerSecond > 0 && cfg.RateLimit.Burst <= 0 {
		cfg.RateLimit.Burst = 1
	}

	if cfg.PubsubConsumerConfig == nil {
		cfg.PubsubConsumerConfig = messagepipeline.NewGooglePubsubConsumerDefaults(cfg.SubscriptionID)
	}
	return nil
}
