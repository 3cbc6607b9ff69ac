// Package config provides configuration management for the mail exchange helper.
package config

import (
	"errors"
	"fmt"
	"net/mail"
	"time"
)

// MapVariant selects how a lookup-map listener answers queries.
type MapVariant string

const (
	// VariantAlias maps an address or login to "<uuid>@<delivery domain>".
	VariantAlias MapVariant = "alias"
	// VariantAccess answers recipient access checks with OK or REJECT.
	VariantAccess MapVariant = "access"
	// VariantFingerprint maps a certificate fingerprint to its expiry date.
	VariantFingerprint MapVariant = "fingerprint"
)

// KeyMode selects how a raw lookup key is normalized before querying the directory.
type KeyMode string

const (
	// KeyModeLogin strips the domain and any +tag from the key.
	KeyModeLogin KeyMode = "login"
	// KeyModeVerbatim uses the key as sent, e.g. when Postfix already holds a user id.
	KeyModeVerbatim KeyMode = "verbatim"
	// KeyModeLower lower-cases the key. Used for fingerprints.
	KeyModeLower KeyMode = "lower"
)

// FileConfig is the top-level wrapper for the configuration file.
type FileConfig struct {
	Mxd Config `toml:"mxd"`
}

// Config holds the complete service configuration.
type Config struct {
	Hostname  string          `toml:"hostname"`
	LogLevel  string          `toml:"log_level"`
	Maps      []MapConfig     `toml:"maps"`
	Mail      MailConfig      `toml:"mail"`
	Bounce    BounceConfig    `toml:"bounce"`
	Directory DirectoryConfig `toml:"directory"`
	Store     StoreConfig     `toml:"store"`
	Stall     StallConfig     `toml:"stall"`
	Timeouts  TimeoutsConfig  `toml:"timeouts"`
	Metrics   MetricsConfig   `toml:"metrics"`
}

// MapConfig defines a single TCP lookup-map listener.
type MapConfig struct {
	Name    string     `toml:"name"`
	Address string     `toml:"address"`
	Variant MapVariant `toml:"variant"`
	KeyMode KeyMode    `toml:"key_mode"`
}

// WatchedDir is one spool directory to monitor.
type WatchedDir struct {
	Path      string `toml:"path"`
	Recursive bool   `toml:"recursive"`
}

// MailConfig configures the incoming mail pipeline.
type MailConfig struct {
	Directories    []WatchedDir `toml:"directories"`
	DeliveryDomain string       `toml:"delivery_domain"`
	SweepInterval  string       `toml:"sweep_interval"`
	WatchRetry     string       `toml:"watch_retry"`
	StallThreshold string       `toml:"stall_threshold"`
}

// BounceConfig configures bounce generation and the outbound transport.
type BounceConfig struct {
	From         string  `toml:"from"`
	Subject      string  `toml:"subject"`
	Transport    string  `toml:"transport"`
	Sendmail     string  `toml:"sendmail"`
	SMTPAddress  string  `toml:"smtp_address"`
	SMTPUsername string  `toml:"smtp_username"`
	SMTPPassword string  `toml:"smtp_password"`
	Rate         float64 `toml:"rate"`
	Burst        int     `toml:"burst"`
	DKIMDomain   string  `toml:"dkim_domain"`
	DKIMSelector string  `toml:"dkim_selector"`
	DKIMKeyFile  string  `toml:"dkim_key_file"`
}

// DirectoryConfig configures the identity directory backend.
type DirectoryConfig struct {
	Type     string `toml:"type"`
	URL      string `toml:"url"`
	Database string `toml:"database"`
	Username string `toml:"username"`
	Password string `toml:"password"`

	// LDAP settings.
	BaseDN          string `toml:"base_dn"`
	UserIDAttr      string `toml:"user_id_attr"`
	AddressAttr     string `toml:"address_attr"`
	LoginAttr       string `toml:"login_attr"`
	PublicKeyAttr   string `toml:"public_key_attr"`
	EnabledAttr     string `toml:"enabled_attr"`
	FingerprintAttr string `toml:"fingerprint_attr"`
	ExpiryAttr      string `toml:"expiry_attr"`
	CertificateBase string `toml:"certificate_base_dn"`

	// Redis cache in front of the backend. Empty address disables caching.
	CacheAddress  string `toml:"cache_address"`
	CachePassword string `toml:"cache_password"`
	CacheDB       int    `toml:"cache_db"`
	CacheTTL      string `toml:"cache_ttl"`

	// Circuit breaker. Zero failures disables the breaker.
	BreakerFailures int    `toml:"breaker_failures"`
	BreakerTimeout  string `toml:"breaker_timeout"`
}

// StoreConfig configures where encrypted messages are persisted.
// Username and Password authenticate to CouchDB; Token authenticates to
// the incoming API.
type StoreConfig struct {
	Type     string            `toml:"type"`
	URL      string            `toml:"url"`
	Username string            `toml:"username"`
	Password string            `toml:"password"`
	Token    string            `toml:"token"`
	BasePath string            `toml:"base_path"`
	Options  map[string]string `toml:"options"`
}

// StallConfig configures where stall records are kept.
type StallConfig struct {
	Backend       string `toml:"backend"`
	RedisAddress  string `toml:"redis_address"`
	RedisPassword string `toml:"redis_password"`
	RedisDB       int    `toml:"redis_db"`
	KeyPrefix     string `toml:"key_prefix"`
}

// TimeoutsConfig defines timeout durations.
type TimeoutsConfig struct {
	Connection string `toml:"connection"`
	Command    string `toml:"command"`
	Directory  string `toml:"directory"`
	Store      string `toml:"store"`
	Encrypt    string `toml:"encrypt"`
	Bounce     string `toml:"bounce"`
}

// MetricsConfig holds configuration for Prometheus metrics.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Address string `toml:"address"`
	Path    string `toml:"path"`
}

// Default returns a Config with sensible default values.
func Default() Config {
	return Config{
		Hostname: "localhost",
		LogLevel: "info",
		Maps: []MapConfig{
			{Address: "127.0.0.1:4242", Variant: VariantAlias, KeyMode: KeyModeLogin},
			{Address: "127.0.0.1:2244", Variant: VariantAccess, KeyMode: KeyModeLogin},
			{Address: "127.0.0.1:2424", Variant: VariantFingerprint, KeyMode: KeyModeLower},
		},
		Mail: MailConfig{
			DeliveryDomain: "deliver.local",
			SweepInterval:  "30m",
			WatchRetry:     "5m",
			StallThreshold: "120h",
		},
		Bounce: BounceConfig{
			Subject:   "Undelivered Mail Returned to Sender",
			Transport: "sendmail",
			Sendmail:  "/usr/sbin/sendmail",
			Rate:      10,
			Burst:     20,
		},
		Directory: DirectoryConfig{
			Type:            "couchdb",
			URL:             "http://127.0.0.1:5984",
			Database:        "identities",
			UserIDAttr:      "uid",
			AddressAttr:     "mail",
			LoginAttr:       "uid",
			PublicKeyAttr:   "pgpKey",
			FingerprintAttr: "certFingerprint",
			ExpiryAttr:      "certExpiry",
			CacheTTL:        "5m",
			BreakerTimeout:  "30s",
		},
		Store: StoreConfig{
			Type: "couchdb",
			URL:  "http://127.0.0.1:5984",
		},
		Stall: StallConfig{
			Backend:   "memory",
			KeyPrefix: "mxd:",
		},
		Timeouts: TimeoutsConfig{
			Connection: "5m",
			Command:    "1m",
			Directory:  "10s",
			Store:      "30s",
			Encrypt:    "30s",
			Bounce:     "1m",
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Address: ":9100",
			Path:    "/metrics",
		},
	}
}

// Validate checks that the configuration is valid and returns an error if not.
func (c *Config) Validate() error {
	if c.Hostname == "" {
		return errors.New("hostname is required")
	}

	if len(c.Maps) == 0 && len(c.Mail.Directories) == 0 {
		return errors.New("at least one map listener or mail directory is required")
	}

	seen := make(map[string]bool)
	for i, m := range c.Maps {
		if m.Address == "" {
			return fmt.Errorf("map %d: address is required", i)
		}
		if seen[m.Address] {
			return fmt.Errorf("map %d: duplicate address %q", i, m.Address)
		}
		seen[m.Address] = true
		if !isValidVariant(m.Variant) {
			return fmt.Errorf("map %d: invalid variant %q", i, m.Variant)
		}
		if m.KeyMode != "" && !isValidKeyMode(m.KeyMode) {
			return fmt.Errorf("map %d: invalid key_mode %q", i, m.KeyMode)
		}
	}

	for i, d := range c.Mail.Directories {
		if d.Path == "" {
			return fmt.Errorf("mail directory %d: path is required", i)
		}
	}

	if len(c.Mail.Directories) > 0 {
		if c.Bounce.From == "" {
			return errors.New("bounce from address is required when mail directories are configured")
		}
		if _, err := mail.ParseAddress(c.Bounce.From); err != nil {
			return fmt.Errorf("invalid bounce from address: %w", err)
		}
		switch c.Bounce.Transport {
		case "sendmail":
			if c.Bounce.Sendmail == "" {
				return errors.New("bounce sendmail path is required for the sendmail transport")
			}
		case "smtp":
			if c.Bounce.SMTPAddress == "" {
				return errors.New("bounce smtp_address is required for the smtp transport")
			}
		default:
			return fmt.Errorf("invalid bounce transport %q (valid: sendmail, smtp)", c.Bounce.Transport)
		}
		switch c.Store.Type {
		case "couchdb", "incoming":
			if c.Store.URL == "" {
				return fmt.Errorf("store url is required for the %s store", c.Store.Type)
			}
		case "maildir":
			if c.Store.BasePath == "" {
				return errors.New("store base_path is required for the maildir store")
			}
		default:
			return fmt.Errorf("invalid store type %q (valid: couchdb, incoming, maildir)", c.Store.Type)
		}
	}

	if (c.Bounce.DKIMDomain != "" || c.Bounce.DKIMSelector != "" || c.Bounce.DKIMKeyFile != "") &&
		(c.Bounce.DKIMDomain == "" || c.Bounce.DKIMSelector == "" || c.Bounce.DKIMKeyFile == "") {
		return errors.New("dkim_domain, dkim_selector and dkim_key_file must be set together")
	}

	switch c.Directory.Type {
	case "couchdb":
		if c.Directory.URL == "" {
			return errors.New("directory url is required for the couchdb directory")
		}
	case "ldap":
		if c.Directory.URL == "" {
			return errors.New("directory url is required for the ldap directory")
		}
		if c.Directory.BaseDN == "" {
			return errors.New("directory base_dn is required for the ldap directory")
		}
	case "memory":
	default:
		return fmt.Errorf("invalid directory type %q (valid: couchdb, ldap, memory)", c.Directory.Type)
	}

	switch c.Stall.Backend {
	case "", "memory":
	case "redis":
		if c.Stall.RedisAddress == "" {
			return errors.New("stall redis_address is required for the redis backend")
		}
	default:
		return fmt.Errorf("invalid stall backend %q (valid: memory, redis)", c.Stall.Backend)
	}

	durations := map[string]string{
		"sweep_interval":     c.Mail.SweepInterval,
		"watch_retry":        c.Mail.WatchRetry,
		"stall_threshold":    c.Mail.StallThreshold,
		"cache_ttl":          c.Directory.CacheTTL,
		"breaker_timeout":    c.Directory.BreakerTimeout,
		"connection timeout": c.Timeouts.Connection,
		"command timeout":    c.Timeouts.Command,
		"directory timeout":  c.Timeouts.Directory,
		"store timeout":      c.Timeouts.Store,
		"encrypt timeout":    c.Timeouts.Encrypt,
		"bounce timeout":     c.Timeouts.Bounce,
	}
	for name, value := range durations {
		if value == "" {
			continue
		}
		if _, err := time.ParseDuration(value); err != nil {
			return fmt.Errorf("invalid %s: %w", name, err)
		}
	}

	if c.Metrics.Enabled {
		if c.Metrics.Address == "" {
			return errors.New("metrics address is required when metrics are enabled")
		}
		if c.Metrics.Path == "" {
			return errors.New("metrics path is required when metrics are enabled")
		}
	}

	return nil
}

// Label returns the name used for the listener in logs and metrics.
func (m MapConfig) Label() string {
	if m.Name != "" {
		return m.Name
	}
	return string(m.Variant)
}

// NormalizedKeyMode returns the key mode for the listener, falling back to
// the variant's natural mode when unset.
func (m MapConfig) NormalizedKeyMode() KeyMode {
	if m.KeyMode != "" {
		return m.KeyMode
	}
	if m.Variant == VariantFingerprint {
		return KeyModeLower
	}
	return KeyModeLogin
}

// SweepEvery returns the periodic sweep interval. Defaults to 30 minutes.
func (c *MailConfig) SweepEvery() time.Duration {
	return parseDuration(c.SweepInterval, 30*time.Minute)
}

// WatchRetryDelay returns the delay before retrying a failed watch. Defaults to 5 minutes.
func (c *MailConfig) WatchRetryDelay() time.Duration {
	return parseDuration(c.WatchRetry, 5*time.Minute)
}

// StallLimit returns how long a message may fail before it is bounced. Defaults to 5 days.
func (c *MailConfig) StallLimit() time.Duration {
	return parseDuration(c.StallThreshold, 5*24*time.Hour)
}

// TTL returns the directory cache entry lifetime. Defaults to 5 minutes.
func (c *DirectoryConfig) TTL() time.Duration {
	return parseDuration(c.CacheTTL, 5*time.Minute)
}

// OpenTimeout returns how long the breaker stays open. Defaults to 30 seconds.
func (c *DirectoryConfig) OpenTimeout() time.Duration {
	return parseDuration(c.BreakerTimeout, 30*time.Second)
}

// ConnectionTimeout returns the map connection idle timeout. Defaults to 5 minutes.
func (c *TimeoutsConfig) ConnectionTimeout() time.Duration {
	return parseDuration(c.Connection, 5*time.Minute)
}

// CommandTimeout returns the per-request read timeout. Defaults to 1 minute.
func (c *TimeoutsConfig) CommandTimeout() time.Duration {
	return parseDuration(c.Command, 1*time.Minute)
}

// DirectoryTimeout bounds every directory query. Defaults to 10 seconds.
func (c *TimeoutsConfig) DirectoryTimeout() time.Duration {
	return parseDuration(c.Directory, 10*time.Second)
}

// StoreTimeout bounds every document store write. Defaults to 30 seconds.
func (c *TimeoutsConfig) StoreTimeout() time.Duration {
	return parseDuration(c.Store, 30*time.Second)
}

// EncryptTimeout bounds every encryption call. Defaults to 30 seconds.
func (c *TimeoutsConfig) EncryptTimeout() time.Duration {
	return parseDuration(c.Encrypt, 30*time.Second)
}

// BounceTimeout bounds every bounce send. Defaults to 1 minute.
func (c *TimeoutsConfig) BounceTimeout() time.Duration {
	return parseDuration(c.Bounce, 1*time.Minute)
}

func parseDuration(value string, fallback time.Duration) time.Duration {
	if value == "" {
		return fallback
	}
	d, err := time.ParseDuration(value)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

func isValidVariant(v MapVariant) bool {
	switch v {
	case VariantAlias, VariantAccess, VariantFingerprint:
		return true
	default:
		return false
	}
}

func isValidKeyMode(m KeyMode) bool {
	switch m {
	case KeyModeLogin, KeyModeVerbatim, KeyModeLower:
		return true
	default:
		return false
	}
}
