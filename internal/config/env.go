package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

// LoadEnvFile loads KEY=VALUE pairs from path into the process environment.
// Variables already set in the environment win. An empty path is a no-op.
func LoadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("loading env file: %w", err)
	}
	return nil
}

// ApplyEnv applies environment variable overrides to the configuration.
// Environment variables take precedence over TOML config but are overridden by command-line flags.
func ApplyEnv(cfg Config) Config {
	if v := os.Getenv("MXD_HOSTNAME"); v != "" {
		cfg.Hostname = v
	}
	if v := os.Getenv("MXD_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("MXD_DELIVERY_DOMAIN"); v != "" {
		cfg.Mail.DeliveryDomain = v
	}
	if v := os.Getenv("MXD_BOUNCE_FROM"); v != "" {
		cfg.Bounce.From = v
	}
	if v := os.Getenv("MXD_BOUNCE_SMTP_PASSWORD"); v != "" {
		cfg.Bounce.SMTPPassword = v
	}
	if v := os.Getenv("MXD_DIRECTORY_TYPE"); v != "" {
		cfg.Directory.Type = v
	}
	if v := os.Getenv("MXD_DIRECTORY_URL"); v != "" {
		cfg.Directory.URL = v
	}
	if v := os.Getenv("MXD_DIRECTORY_USERNAME"); v != "" {
		cfg.Directory.Username = v
	}
	if v := os.Getenv("MXD_DIRECTORY_PASSWORD"); v != "" {
		cfg.Directory.Password = v
	}
	if v := os.Getenv("MXD_DIRECTORY_CACHE_ADDRESS"); v != "" {
		cfg.Directory.CacheAddress = v
	}
	if v := os.Getenv("MXD_STORE_TYPE"); v != "" {
		cfg.Store.Type = v
	}
	if v := os.Getenv("MXD_STORE_URL"); v != "" {
		cfg.Store.URL = v
	}
	if v := os.Getenv("MXD_STORE_USERNAME"); v != "" {
		cfg.Store.Username = v
	}
	if v := os.Getenv("MXD_STORE_PASSWORD"); v != "" {
		cfg.Store.Password = v
	}
	if v := os.Getenv("MXD_STORE_TOKEN"); v != "" {
		cfg.Store.Token = v
	}
	if v := os.Getenv("MXD_STORE_PATH"); v != "" {
		cfg.Store.BasePath = v
	}
	if v := os.Getenv("MXD_STALL_REDIS_ADDRESS"); v != "" {
		cfg.Stall.Backend = "redis"
		cfg.Stall.RedisAddress = v
	}
	if v := os.Getenv("MXD_METRICS_ENABLED"); v != "" {
		if enabled, err := strconv.ParseBool(v); err == nil {
			cfg.Metrics.Enabled = enabled
		}
	}

	return cfg
}
