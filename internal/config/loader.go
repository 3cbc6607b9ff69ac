package config

import (
	"flag"
	"fmt"
	"os"

	toml "github.com/pelletier/go-toml/v2"
)

// Flags holds command-line flag values.
type Flags struct {
	ConfigPath     string
	EnvFile        string
	Hostname       string
	LogLevel       string
	Maildir        string
	DeliveryDomain string
	DirectoryURL   string
	StoreURL       string
}

// ParseFlags parses command-line flags and returns a Flags struct.
func ParseFlags() *Flags {
	return ParseFlagSet(flag.CommandLine, os.Args[1:])
}

// ParseFlagSet registers the service flags on fs and parses args.
// Parse errors follow the flag set's error handling policy.
func ParseFlagSet(fs *flag.FlagSet, args []string) *Flags {
	f := &Flags{}

	fs.StringVar(&f.ConfigPath, "config", "./mxd.toml", "Path to configuration file")
	fs.StringVar(&f.EnvFile, "env-file", "", "Optional .env file loaded before applying MXD_* variables")
	fs.StringVar(&f.Hostname, "hostname", "", "Hostname used in bounces and Reporting-MTA")
	fs.StringVar(&f.LogLevel, "log-level", "", "Log level (debug, info, warn, error)")
	fs.StringVar(&f.Maildir, "maildir", "", "Spool directory to watch (replaces all configured directories)")
	fs.StringVar(&f.DeliveryDomain, "delivery-domain", "", "Domain appended to user ids by the alias map")
	fs.StringVar(&f.DirectoryURL, "directory-url", "", "Identity directory URL")
	fs.StringVar(&f.StoreURL, "store-url", "", "Document store URL")

	_ = fs.Parse(args)
	return f
}

// Load parses a TOML configuration file and returns the Config.
// If the file does not exist, returns the default configuration.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("reading config file: %w", err)
	}

	var fileConfig FileConfig
	if err := toml.Unmarshal(data, &fileConfig); err != nil {
		return cfg, fmt.Errorf("parsing config file: %w", err)
	}

	// Merge file config into defaults
	cfg = mergeConfig(cfg, fileConfig.Mxd)

	return cfg, nil
}

// ApplyFlags merges command-line flag values into the config.
// Non-empty flag values override config file and environment values.
func ApplyFlags(cfg Config, f *Flags) Config {
	if f.Hostname != "" {
		cfg.Hostname = f.Hostname
	}

	if f.LogLevel != "" {
		cfg.LogLevel = f.LogLevel
	}

	if f.Maildir != "" {
		// -maildir replaces ALL watched directories with a single one
		cfg.Mail.Directories = []WatchedDir{{Path: f.Maildir}}
	}

	if f.DeliveryDomain != "" {
		cfg.Mail.DeliveryDomain = f.DeliveryDomain
	}

	if f.DirectoryURL != "" {
		cfg.Directory.URL = f.DirectoryURL
	}

	if f.StoreURL != "" {
		cfg.Store.URL = f.StoreURL
	}

	return cfg
}

// LoadWithFlags loads configuration from the path specified in flags,
// applies environment overrides, then applies flag overrides.
func LoadWithFlags(f *Flags) (Config, error) {
	cfg, err := Load(f.ConfigPath)
	if err != nil {
		return cfg, err
	}
	if err := LoadEnvFile(f.EnvFile); err != nil {
		return cfg, err
	}
	cfg = ApplyEnv(cfg)
	return ApplyFlags(cfg, f), nil
}

// mergeConfig merges non-zero values from src into dst.
func mergeConfig(dst, src Config) Config {
	mergeString(&dst.Hostname, src.Hostname)
	mergeString(&dst.LogLevel, src.LogLevel)

	if len(src.Maps) > 0 {
		dst.Maps = src.Maps
	}

	if len(src.Mail.Directories) > 0 {
		dst.Mail.Directories = src.Mail.Directories
	}
	mergeString(&dst.Mail.DeliveryDomain, src.Mail.DeliveryDomain)
	mergeString(&dst.Mail.SweepInterval, src.Mail.SweepInterval)
	mergeString(&dst.Mail.WatchRetry, src.Mail.WatchRetry)
	mergeString(&dst.Mail.StallThreshold, src.Mail.StallThreshold)

	mergeString(&dst.Bounce.From, src.Bounce.From)
	mergeString(&dst.Bounce.Subject, src.Bounce.Subject)
	mergeString(&dst.Bounce.Transport, src.Bounce.Transport)
	mergeString(&dst.Bounce.Sendmail, src.Bounce.Sendmail)
	mergeString(&dst.Bounce.SMTPAddress, src.Bounce.SMTPAddress)
	mergeString(&dst.Bounce.SMTPUsername, src.Bounce.SMTPUsername)
	mergeString(&dst.Bounce.SMTPPassword, src.Bounce.SMTPPassword)
	if src.Bounce.Rate > 0 {
		dst.Bounce.Rate = src.Bounce.Rate
	}
	if src.Bounce.Burst > 0 {
		dst.Bounce.Burst = src.Bounce.Burst
	}
	mergeString(&dst.Bounce.DKIMDomain, src.Bounce.DKIMDomain)
	mergeString(&dst.Bounce.DKIMSelector, src.Bounce.DKIMSelector)
	mergeString(&dst.Bounce.DKIMKeyFile, src.Bounce.DKIMKeyFile)

	mergeString(&dst.Directory.Type, src.Directory.Type)
	mergeString(&dst.Directory.URL, src.Directory.URL)
	mergeString(&dst.Directory.Database, src.Directory.Database)
	mergeString(&dst.Directory.Username, src.Directory.Username)
	mergeString(&dst.Directory.Password, src.Directory.Password)
	mergeString(&dst.Directory.BaseDN, src.Directory.BaseDN)
	mergeString(&dst.Directory.UserIDAttr, src.Directory.UserIDAttr)
	mergeString(&dst.Directory.AddressAttr, src.Directory.AddressAttr)
	mergeString(&dst.Directory.LoginAttr, src.Directory.LoginAttr)
	mergeString(&dst.Directory.PublicKeyAttr, src.Directory.PublicKeyAttr)
	mergeString(&dst.Directory.EnabledAttr, src.Directory.EnabledAttr)
	mergeString(&dst.Directory.FingerprintAttr, src.Directory.FingerprintAttr)
	mergeString(&dst.Directory.ExpiryAttr, src.Directory.ExpiryAttr)
	mergeString(&dst.Directory.CertificateBase, src.Directory.CertificateBase)
	mergeString(&dst.Directory.CacheAddress, src.Directory.CacheAddress)
	mergeString(&dst.Directory.CachePassword, src.Directory.CachePassword)
	if src.Directory.CacheDB > 0 {
		dst.Directory.CacheDB = src.Directory.CacheDB
	}
	mergeString(&dst.Directory.CacheTTL, src.Directory.CacheTTL)
	if src.Directory.BreakerFailures > 0 {
		dst.Directory.BreakerFailures = src.Directory.BreakerFailures
	}
	mergeString(&dst.Directory.BreakerTimeout, src.Directory.BreakerTimeout)

	mergeString(&dst.Store.Type, src.Store.Type)
	mergeString(&dst.Store.URL, src.Store.URL)
	mergeString(&dst.Store.Username, src.Store.Username)
	mergeString(&dst.Store.Password, src.Store.Password)
	mergeString(&dst.Store.Token, src.Store.Token)
	mergeString(&dst.Store.BasePath, src.Store.BasePath)
	if len(src.Store.Options) > 0 {
		dst.Store.Options = src.Store.Options
	}

	mergeString(&dst.Stall.Backend, src.Stall.Backend)
	mergeString(&dst.Stall.RedisAddress, src.Stall.RedisAddress)
	mergeString(&dst.Stall.RedisPassword, src.Stall.RedisPassword)
	if src.Stall.RedisDB > 0 {
		dst.Stall.RedisDB = src.Stall.RedisDB
	}
	mergeString(&dst.Stall.KeyPrefix, src.Stall.KeyPrefix)

	mergeString(&dst.Timeouts.Connection, src.Timeouts.Connection)
	mergeString(&dst.Timeouts.Command, src.Timeouts.Command)
	mergeString(&dst.Timeouts.Directory, src.Timeouts.Directory)
	mergeString(&dst.Timeouts.Store, src.Timeouts.Store)
	mergeString(&dst.Timeouts.Encrypt, src.Timeouts.Encrypt)
	mergeString(&dst.Timeouts.Bounce, src.Timeouts.Bounce)

	// Metrics: enabled is explicitly set (boolean), so we merge if source has any non-zero value
	if src.Metrics.Enabled {
		dst.Metrics.Enabled = src.Metrics.Enabled
	}
	mergeString(&dst.Metrics.Address, src.Metrics.Address)
	mergeString(&dst.Metrics.Path, src.Metrics.Path)

	return dst
}

func mergeString(dst *string, src string) {
	if src != "" {
		*dst = src
	}
}
