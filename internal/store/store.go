// Package store persists encrypted message documents into the recipient's
// storage: the per-user CouchDB database, the incoming API, or a maildir.
package store

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/infodancer/mxd/internal/config"
	"github.com/infodancer/mxd/internal/payload"
)

// ErrRejected is wrapped by errors for requests the backend refused.
var ErrRejected = errors.New("store rejected document")

// Store persists one document for one user.
type Store interface {
	Put(ctx context.Context, userID string, doc payload.Document) error
}

// Open builds the Store described by cfg.
func Open(cfg config.StoreConfig, deliveryDomain string, timeout time.Duration, logger *slog.Logger) (Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	switch cfg.Type {
	case "couchdb":
		logger.Info("exporting messages directly into CouchDB", slog.String("url", cfg.URL))
		return NewCouchDB(cfg.URL, cfg.Username, cfg.Password, timeout), nil
	case "incoming":
		logger.Info("exporting messages over the incoming API", slog.String("url", cfg.URL))
		return NewIncoming(cfg.URL, cfg.Token, timeout), nil
	case "maildir":
		logger.Info("exporting messages into maildir", slog.String("path", cfg.BasePath))
		return NewMaildir(cfg.BasePath, deliveryDomain, cfg.Options)
	default:
		return nil, fmt.Errorf("unknown store type: %s", cfg.Type)
	}
}

// Close closes s if it holds resources.
func Close(s Store) error {
	if c, ok := s.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
