package directory

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/infodancer/mxd/internal/config"
)

// Open builds the Directory described by cfg: the backend, wrapped by the
// redis cache when an address is configured, wrapped by the guard.
// timeout bounds each backend call.
func Open(cfg config.DirectoryConfig, timeout time.Duration, logger *slog.Logger) (Directory, error) {
	if logger == nil {
		logger = slog.Default()
	}

	var d Directory
	switch cfg.Type {
	case "couchdb":
		d = NewCouchDB(cfg.URL, cfg.Database, cfg.Username, cfg.Password, timeout)
	case "ldap":
		d = NewLDAP(LDAPConfig{
			URL:             cfg.URL,
			BindDN:          cfg.Username,
			BindPassword:    cfg.Password,
			BaseDN:          cfg.BaseDN,
			CertificateBase: cfg.CertificateBase,
			UserIDAttr:      cfg.UserIDAttr,
			AddressAttr:     cfg.AddressAttr,
			LoginAttr:       cfg.LoginAttr,
			PublicKeyAttr:   cfg.PublicKeyAttr,
			EnabledAttr:     cfg.EnabledAttr,
			FingerprintAttr: cfg.FingerprintAttr,
			ExpiryAttr:      cfg.ExpiryAttr,
			Timeout:         timeout,
		})
	case "memory":
		d = NewMemory()
	default:
		return nil, fmt.Errorf("unknown directory type: %s", cfg.Type)
	}

	if cfg.CacheAddress != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.CacheAddress,
			Password: cfg.CachePassword,
			DB:       cfg.CacheDB,
		})
		d = NewCache(d, client, cfg.TTL(), logger)
		logger.Info("directory cache enabled",
			slog.String("address", cfg.CacheAddress),
			slog.Duration("ttl", cfg.TTL()),
		)
	}

	return NewGuard(d, GuardConfig{
		Timeout:     timeout,
		Failures:    uint32(cfg.BreakerFailures),
		OpenTimeout: cfg.OpenTimeout(),
	}, logger), nil
}
