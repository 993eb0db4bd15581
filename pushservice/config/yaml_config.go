package config

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/illmade-knight/go-dataflow/pkg/messagepipeline"
	"github.com/tinywideclouds/go-microservice-base/pkg/middleware"
)

type YamlCorsConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	Role           string   `yaml:"role"`
}

type YamlStoreConfig struct {
	Driver     string `yaml:"driver"`
	DSN        string `yaml:"dsn"`
	Collection string `yaml:"collection"`
}

type YamlCacheConfig struct {
	Backend string `yaml:"backend"`
	TTL     string `yaml:"ttl"`
}

type YamlRedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type YamlExpoConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Endpoint    string `yaml:"endpoint"`
	AccessToken string `yaml:"access_token"`
	Timeout     string `yaml:"timeout"`
}

type YamlFCMConfig struct {
	Enabled bool `yaml:"enabled"`
}

type YamlAPNSConfig struct {
	Enabled    bool   `yaml:"enabled"`
	KeyID      string `yaml:"key_id"`
	TeamID     string `yaml:"team_id"`
	BundleID   string `yaml:"bundle_id"`
	Production bool   `yaml:"production"`
}

type YamlVapidConfig struct {
	PublicKey       string `yaml:"public_key"`
	PrivateKey      string `yaml:"private_key"`
	SubscriberEmail string `yaml:"subscriber_email"`
	TTL             string `yaml:"ttl"`
}

type YamlRateLimitConfig struct {
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
}

// YamlConfig is the structure that mirrors the raw config.yaml file.
type YamlConfig struct {
	ProjectID              string              `yaml:"project_id"`
	ListenAddr             string              `yaml:"listen_addr"`
	TopicID                string              `yaml:"topic_id"`
	SubscriptionID         string              `yaml:"subscription_id"`
	SubscriptionDLQTopicID string              `yaml:"subscription_dlq_topic_id"`
	NumPipelineWorkers     int                 `yaml:"num_pipeline_workers"`
	MaxConcurrentChunks    int                 `yaml:"max_concurrent_chunks"`
	IdentityServiceURL     string              `yaml:"identity_service_url"`
	CorsConfig             YamlCorsConfig      `yaml:"cors"`
	StoreConfig            YamlStoreConfig     `yaml:"store"`
	CacheConfig            YamlCacheConfig     `yaml:"cache"`
	RedisConfig            YamlRedisConfig     `yaml:"redis"`
	ExpoConfig             YamlExpoConfig      `yaml:"expo"`
	FCMConfig              YamlFCMConfig       `yaml:"fcm"`
	APNSConfig             YamlAPNSConfig      `yaml:"apns"`
	VapidConfig            YamlVapidConfig     `yaml:"vapid"`
	RateLimitConfig        YamlRateLimitConfig `yaml:"rate_limit"`
}

// NewConfigFromYaml converts the YamlConfig into a clean, base Config struct.
// The APNs signing key only arrives through the environment.
func NewConfigFromYaml(baseCfg *YamlConfig, logger *slog.Logger) (*Config, error) {
	logger.Debug("Mapping YAML config to base config struct")

	cacheTTL, err := parseDuration("cache.ttl", baseCfg.CacheConfig.TTL)
	if err != nil {
		return nil, err
	}
	expoTimeout, err := parseDuration("expo.timeout", baseCfg.ExpoConfig.Timeout)
	if err != nil {
		return nil, err
	}
	vapidTTL, err := parseDuration("vapid.ttl", baseCfg.VapidConfig.TTL)
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		ProjectID:              baseCfg.ProjectID,
		ListenAddr:             baseCfg.ListenAddr,
		TopicID:                baseCfg.TopicID,
		SubscriptionID:         baseCfg.SubscriptionID,
		SubscriptionDLQTopicID: baseCfg.SubscriptionDLQTopicID,
		NumPipelineWorkers:     baseCfg.NumPipelineWorkers,
		MaxConcurrentChunks:    baseCfg.MaxConcurrentChunks,
		IdentityServiceURL:     baseCfg.IdentityServiceURL,
		CorsConfig: middleware.CorsConfig{
			AllowedOrigins: baseCfg.CorsConfig.AllowedOrigins,
			Role:           middleware.CorsRole(baseCfg.CorsConfig.Role),
		},
		Store: StoreConfig{
			Driver:     baseCfg.StoreConfig.Driver,
			DSN:        baseCfg.StoreConfig.DSN,
			Collection: baseCfg.StoreConfig.Collection,
		},
		Cache: CacheConfig{
			Backend: baseCfg.CacheConfig.Backend,
			TTL:     cacheTTL,
		},
		Redis: RedisConfig{
			Addr:     baseCfg.RedisConfig.Addr,
			Password: baseCfg.RedisConfig.Password,
			DB:       baseCfg.RedisConfig.DB,
		},
		Expo: ExpoConfig{
			Enabled:     baseCfg.ExpoConfig.Enabled,
			Endpoint:    baseCfg.ExpoConfig.Endpoint,
			AccessToken: baseCfg.ExpoConfig.AccessToken,
			Timeout:     expoTimeout,
		},
		FCM: FCMConfig{Enabled: baseCfg.FCMConfig.Enabled},
		APNS: APNSConfig{
			Enabled:    baseCfg.APNSConfig.Enabled,
			KeyID:      baseCfg.APNSConfig.KeyID,
			TeamID:     baseCfg.APNSConfig.TeamID,
			BundleID:   baseCfg.APNSConfig.BundleID,
			Production: baseCfg.APNSConfig.Production,
		},
		Vapid: VapidConfig{
			PublicKey:       baseCfg.VapidConfig.PublicKey,
			PrivateKey:      baseCfg.VapidConfig.PrivateKey,
			SubscriberEmail: baseCfg.VapidConfig.SubscriberEmail,
			TTL:             vapidTTL,
		},
		RateLimit: RateLimitConfig{
			RequestsPerSecond: baseCfg.RateLimitConfig.RequestsPerSecond,
			Burst:             baseCfg.RateLimitConfig.Burst,
		},
	}

	if cfg.SubscriptionID != "" {
		cfg.PubsubConsumerConfig = messagepipeline.NewGooglePubsubConsumerDefaults(cfg.SubscriptionID)
	}

	logger.Debug("YAML config mapping complete",
		"project_id", cfg.ProjectID,
		"listen_addr", cfg.ListenAddr,
		"subscription_id", cfg.SubscriptionID,
		"store_driver", cfg.Store.Driver,
	)

	return cfg, nil
}

func parseDuration(field, raw string) (time.Duration, error) {
	if raw == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", field, raw, err)
	}
	return d, nil
}
