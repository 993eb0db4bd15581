package config_test

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tinywideclouds/go-push-dispatch/pushservice/config"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestUpdateConfigWithEnvOverrides(t *testing.T) {
	logger := newTestLogger()

	baseConfig := func() *config.Config {
		return &config.Config{
			ProjectID:          "base-project",
			ListenAddr:         ":8080",
			SubscriptionID:     "base-sub",
			NumPipelineWorkers: 2,
			Vapid: config.VapidConfig{
				PublicKey:  "base-pub",
				PrivateKey: "base-priv",
			},
		}
	}

	t.Run("Success - All overrides applied", func(t *testing.T) {
		cfg := baseConfig()

		t.Setenv("PROJECT_ID", "env-project")
		t.Setenv("PORT", "9090")
		t.Setenv("SUBSCRIPTION_ID", "env-sub")
		t.Setenv("STORE_DRIVER", "postgres")
		t.Setenv("STORE_DSN", "postgres://localhost/push")
		t.Setenv("REDIS_ADDR", "localhost:6379")
		t.Setenv("CACHE_TTL", "5m")
		t.Setenv("EXPO_ACCESS_TOKEN", "expo-secret")
		t.Setenv("EXPO_TIMEOUT", "3s")
		t.Setenv("MAX_CONCURRENT_CHUNKS", "8")
		t.Setenv("RATE_LIMIT_RPS", "2.5")
		t.Setenv("VAPID_PUBLIC_KEY", "env-pub")
		t.Setenv("VAPID_PRIVATE_KEY", "env-priv")
		t.Setenv("VAPID_SUB_EMAIL", "env@test.com")
		t.Setenv("CORS_ALLOWED_ORIGINS", "https://a.example, ,https://b.example")

		finalCfg, err := config.UpdateConfigWithEnvOverrides(cfg, logger)
		require.NoError(t, err)

		assert.Equal(t, "env-project", finalCfg.ProjectID)
		assert.Equal(t, ":9090", finalCfg.ListenAddr)
		assert.Equal(t, "env-sub", finalCfg.SubscriptionID)
		assert.Equal(t, "env-sub", finalCfg.PubsubConsumerConfig.SubscriptionID)
		assert.Equal(t, config.DriverPostgres, finalCfg.Store.Driver)
		assert.Equal(t, "postgres://localhost/push", finalCfg.Store.DSN)
		assert.Equal(t, config.CacheRedis, finalCfg.Cache.Backend)
		assert.Equal(t, 5*time.Minute, finalCfg.Cache.TTL)
		assert.Equal(t, "expo-secret", finalCfg.Expo.AccessToken)
		assert.Equal(t, 3*time.Second, finalCfg.Expo.Timeout)
		assert.Equal(t, 8, finalCfg.MaxConcurrentChunks)
		assert.Equal(t, 2.5, finalCfg.RateLimit.RequestsPerSecond)
		assert.Equal(t, 1, finalCfg.RateLimit.Burst)
		assert.Equal(t, "env-pub", finalCfg.Vapid.PublicKey)
		assert.Equal(t, "env-priv", finalCfg.Vapid.PrivateKey)
		assert.Equal(t, "env@test.com", finalCfg.Vapid.SubscriberEmail)
		assert.Equal(t, []string{"https://a.example", "https://b.example"}, finalCfg.CorsConfig.AllowedOrigins)
	})

	t.Run("Success - Defaults applied", func(t *testing.T) {
		cfg := baseConfig()
		finalCfg, err := config.UpdateConfigWithEnvOverrides(cfg, logger)
		require.NoError(t, err)

		assert.Equal(t, "base-project", finalCfg.ProjectID)
		assert.Equal(t, "base-pub", finalCfg.Vapid.PublicKey)
		assert.True(t, finalCfg.Vapid.Enabled())
		assert.Equal(t, config.DriverFirestore, finalCfg.Store.Driver)
		assert.Equal(t, config.CacheNone, finalCfg.Cache.Backend)
		assert.Equal(t, 24*time.Hour, finalCfg.Cache.TTL)
		assert.Equal(t, 15*time.Second, finalCfg.Expo.Timeout)
		assert.Equal(t, 4, finalCfg.MaxConcurrentChunks)
		assert.NotNil(t, finalCfg.PubsubConsumerConfig)
	})

	t.Run("Validation failures", func(t *testing.T) {
		testCases := []struct {
			name   string
			mutate func(*config.Config)
		}{
			{name: "missing project", mutate: func(c *config.Config) { c.ProjectID = "" }},
			{name: "missing subscription", mutate: func(c *config.Config) { c.SubscriptionID = "" }},
			{name: "sql driver without dsn", mutate: func(c *config.Config) { c.Store.Driver = config.DriverSQLite }},
			{name: "unknown driver", mutate: func(c *config.Config) { c.Store.Driver = "mongo" }},
			{name: "redis without addr", mutate: func(c *config.Config) { c.Cache.Backend = config.CacheRedis }},
			{name: "unknown cache", mutate: func(c *config.Config) { c.Cache.Backend = "memcached" }},
			{name: "apns without key", mutate: func(c *config.Config) { c.APNS = config.APNSConfig{Enabled: true, KeyID: "k"} }},
		}

		for _, tc := range testCases {
			t.Run(tc.name, func(t *testing.T) {
				t.Setenv("PROJECT_ID", "")
				t.Setenv("SUBSCRIPTION_ID", "")
				cfg := baseConfig()
				tc.mutate(cfg)
				_, err := config.UpdateConfigWithEnvOverrides(cfg, logger)
				assert.Error(t, err)
			})
		}
	})
}
