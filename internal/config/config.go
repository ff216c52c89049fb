package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

const envPrefix = "VERSYNC"

type (
	Config struct {
		Listen      string
		Store       StoreConfig
		Feed        FeedConfig
		Idempotency IdempotencyConfig
		Writes      WritesConfig
		Subscribe   SubscribeConfig
		Pagination  PaginationConfig
		Log         LogConfig
	}

	StoreConfig struct {
		Driver string
		Path   string
	}

	FeedConfig struct {
		Enabled bool
	}

	IdempotencyConfig struct {
		TTL time.Duration
	}

	WritesConfig struct {
		Concurrency         int
		LooseUpsertAttempts int
	}

	SubscribeConfig struct {
		Heartbeat    time.Duration
		MaxHold      time.Duration
		Retry        time.Duration
		PollInterval time.Duration
	}

	PaginationConfig struct {
		DefaultLimit int
		MaxLimit     int
	}

	LogConfig struct {
		File       string
		MaxSizeMB  int
		MaxBackups int
		MaxAgeDays int
	}
)

// SetDefaults registers every key with its default value.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("listen", "127.0.0.1:1234")
	v.SetDefault("store.driver", "memory")
	v.SetDefault("store.path", "versync.db")
	v.SetDefault("feed.enabled", true)
	v.SetDefault("idempotency.ttl", 24*time.Hour)
	v.SetDefault("writes.concurrency", 8)
	v.SetDefault("writes.looseUpsertAttempts", 3)
	v.SetDefault("subscribe.heartbeat", 15*time.Second)
	v.SetDefault("subscribe.maxHold", 25*time.Second)
	v.SetDefault("subscribe.retry", 3*time.Second)
	v.SetDefault("subscribe.pollInterval", 100*time.Millisecond)
	v.SetDefault("pagination.defaultLimit", 50)
	v.SetDefault("pagination.maxLimit", 500)
	v.SetDefault("log.file", "")
	v.SetDefault("log.maxSizeMB", 100)
	v.SetDefault("log.maxBackups", 3)
	v.SetDefault("log.maxAgeDays", 28)
}

// New returns a viper instance with defaults and VERSYNC_* environment
// overrides. A non-empty path is read as the config file.
func New(path string) (*viper.Viper, error) {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	return v, nil
}

// Load decodes the current values of v.
func Load(v *viper.Viper) (*Config, error) {
	c := &Config{
		Listen: v.GetString("listen"),
		Store: StoreConfig{
			Driver: strings.ToLower(v.GetString("store.driver")),
			Path:   v.GetString("store.path"),
		},
		Feed: FeedConfig{Enabled: v.GetBool("feed.enabled")},
		Idempotency: IdempotencyConfig{
			TTL: v.GetDuration("idempotency.ttl"),
		},
		Writes: WritesConfig{
			Concurrency:         v.GetInt("writes.concurrency"),
			LooseUpsertAttempts: v.GetInt("writes.looseUpsertAttempts"),
		},
		Subscribe: subscribeConfig(v),
		Pagination: PaginationConfig{
			DefaultLimit: v.GetInt("pagination.defaultLimit"),
			MaxLimit:     v.GetInt("pagination.maxLimit"),
		},
		Log: LogConfig{
			File:       v.GetString("log.file"),
			MaxSizeMB:  v.GetInt("log.maxSizeMB"),
			MaxBackups: v.GetInt("log.maxBackups"),
			MaxAgeDays: v.GetInt("log.maxAgeDays"),
		},
	}
	return c, c.Validate()
}

func subscribeConfig(v *viper.Viper) SubscribeConfig {
	return SubscribeConfig{
		Heartbeat:    v.GetDuration("subscribe.heartbeat"),
		MaxHold:      v.GetDuration("subscribe.maxHold"),
		Retry:        v.GetDuration("subscribe.retry"),
		PollInterval: v.GetDuration("subscribe.pollInterval"),
	}
}

func (c *Config) Validate() error {
	switch c.Store.Driver {
	case "memory":
	case "sqlite":
		if c.Store.Path == "" {
			return fmt.Errorf("store.path is required for the sqlite driver")
		}
	default:
		return fmt.Errorf("unknown store.driver %q", c.Store.Driver)
	}
	if c.Writes.Concurrency < 1 {
		return fmt.Errorf("writes.concurrency must be >= 1")
	}
	if c.Writes.LooseUpsertAttempts < 1 {
		return fmt.Errorf("writes.looseUpsertAttempts must be >= 1")
	}
	if c.Pagination.DefaultLimit < 1 || c.Pagination.MaxLimit < c.Pagination.DefaultLimit {
		return fmt.Errorf("pagination limits must satisfy 1 <= defaultLimit <= maxLimit")
	}
	if c.Subscribe.Heartbeat <= 0 || c.Subscribe.MaxHold <= 0 {
		return fmt.Errorf("subscribe.heartbeat and subscribe.maxHold must be positive")
	}
	return nil
}

// Watch re-reads subscribe timings whenever the config file changes. Only
// those values are applied live; everything else needs a restart.
func Watch(v *viper.Viper, apply func(SubscribeConfig)) {
	v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		apply(subscribeConfig(v))
	})
	v.WatchConfig()
}
