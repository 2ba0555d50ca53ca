package config

import (
	"fmt"
	"net/url"
	"time"

	"github.com/spf13/viper"
)

// ReadConfig loads the configuration from config.yaml in the working
// directory, falling back to defaults for anything not set. AGORA_-prefixed
// environment variables override file values.
func ReadConfig() (Configuration, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.SetEnvPrefix("agora")
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound {
			return Configuration{}, err
		}
	}

	var cfg Configuration
	if err := v.Unmarshal(&cfg); err != nil {
		return Configuration{}, fmt.Errorf("failed to parse configuration: %w", err)
	}

	return cfg, cfg.Finalize()
}

// Finalize derives the computed fields and validates the parts of the
// configuration the engine cannot run without.
func (cfg *Configuration) Finalize() error {
	if cfg.Domain == "" {
		return fmt.Errorf("configuration: domain must be set")
	}
	if cfg.RootSecret == "" {
		return fmt.Errorf("configuration: root_secret must be set")
	}
	if len(cfg.BackoffSchedule) == 0 {
		return fmt.Errorf("configuration: backoff_schedule must not be empty")
	}

	scheme := "https"
	if !cfg.Https {
		scheme = "http"
	}
	u, err := url.Parse(scheme + "://" + cfg.Domain)
	if err != nil {
		return fmt.Errorf("configuration: invalid domain %q: %w", cfg.Domain, err)
	}
	cfg.Url = u
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("name", "agora")
	// Keys without a usable default still need registering, or Unmarshal
	// never consults their environment variables.
	v.SetDefault("domain", "")
	v.SetDefault("root_secret", "")
	v.SetDefault("admin_token", "")
	v.SetDefault("debug", false)
	v.SetDefault("https", true)
	v.SetDefault("port", 8080)
	v.SetDefault("db_url", "agora.db")
	v.SetDefault("task_db_url", "tasks.db")
	v.SetDefault("migrations_folder", "migrations")
	v.SetDefault("rsa_key_size", 2048)
	v.SetDefault("authorized_fetch", false)
	v.SetDefault("auto_accept_follows", true)
	v.SetDefault("allow_private_networks", false)

	v.SetDefault("signature_max_age", 30*time.Second)
	v.SetDefault("actor_cache_ttl", 24*time.Hour)
	v.SetDefault("actor_cleanup_interval", 24*time.Hour)
	v.SetDefault("actor_max_age", 90*24*time.Hour)

	v.SetDefault("max_payload_size", 262144)
	v.SetDefault("max_content_length", 65536)

	v.SetDefault("connect_timeout", 10*time.Second)
	v.SetDefault("receive_timeout", 30*time.Second)
	v.SetDefault("max_redirects", 3)

	v.SetDefault("delivery_max_attempts", 6)
	v.SetDefault("delivery_poll_interval", time.Minute)
	v.SetDefault("delivery_batch_size", 50)
	v.SetDefault("delivery_concurrency", 8)
	v.SetDefault("delivery_lease", 5*time.Minute)
	v.SetDefault("backoff_schedule", []string{"1m", "5m", "30m", "2h", "12h", "24h"})
}

// Backoff returns the retry delay after the given number of attempts. Past
// the end of the schedule the last entry repeats.
func (cfg *Configuration) Backoff(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	if attempts > len(cfg.BackoffSchedule) {
		attempts = len(cfg.BackoffSchedule)
	}
	return cfg.BackoffSchedule[attempts-1]
}
