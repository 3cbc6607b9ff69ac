// Package resolver turns map lookups into directory queries and directory
// answers into tcp_table replies. There is one variant per map kind; each is
// a key normalization step, a directory query and a pure decision function.
package resolver

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/infodancer/mxd/internal/config"
	"github.com/infodancer/mxd/internal/directory"
	"github.com/infodancer/mxd/internal/logging"
	"github.com/infodancer/mxd/internal/tcpmap"
)

// Reply texts sent to the MTA.
const (
	TextNotFound   = "NOT FOUND SRY"
	TextAccountOff = "4.7.13 USER ACCOUNT DISABLED"
	TextNoPubkey   = "4.7.13 NO PUBKEY FOUND"
	TextNoExpiry   = "4.7.13 NO EXPIRY ON FILE"
	TextExpired    = "EXPIRED CERT"
	TextOK         = "OK"
	TextReject     = "REJECT"
)

// DefaultDeliveryDomain is appended to user ids when none is configured.
const DefaultDeliveryDomain = "deliver.local"

// Resolver answers queries for one map listener. It implements tcpmap.Resolver.
type Resolver struct {
	variant        config.MapVariant
	mode           config.KeyMode
	dir            directory.Directory
	deliveryDomain string
	now            func() time.Time
}

// Option customizes a Resolver.
type Option func(*Resolver)

// WithClock replaces the clock used for certificate expiry checks.
func WithClock(now func() time.Time) Option {
	return func(r *Resolver) { r.now = now }
}

// WithDeliveryDomain sets the domain appended to user ids by the alias variant.
func WithDeliveryDomain(domain string) Option {
	return func(r *Resolver) {
		if domain != "" {
			r.deliveryDomain = domain
		}
	}
}

// New creates a resolver for the given variant and key mode.
func New(variant config.MapVariant, mode config.KeyMode, dir directory.Directory, opts ...Option) (*Resolver, error) {
	switch variant {
	case config.VariantAlias, config.VariantAccess, config.VariantFingerprint:
	default:
		return nil, fmt.Errorf("unknown map variant: %s", variant)
	}
	switch mode {
	case config.KeyModeLogin, config.KeyModeVerbatim, config.KeyModeLower:
	default:
		return nil, fmt.Errorf("unknown key mode: %s", mode)
	}
	if dir == nil {
		return nil, fmt.Errorf("resolver %s: directory is required", variant)
	}

	r := &Resolver{
		variant:        variant,
		mode:           mode,
		dir:            dir,
		deliveryDomain: DefaultDeliveryDomain,
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// ForMap builds the resolver described by a map listener's configuration.
func ForMap(m config.MapConfig, dir directory.Directory, deliveryDomain string) (*Resolver, error) {
	return New(m.Variant, m.NormalizedKeyMode(), dir, WithDeliveryDomain(deliveryDomain))
}

// Variant reports the resolver's variant.
func (r *Resolver) Variant() config.MapVariant {
	return r.variant
}

// Resolve implements tcpmap.Resolver. Directory faults are returned as
// errors; the responder answers those with a temporary failure.
func (r *Resolver) Resolve(ctx context.Context, key string) (tcpmap.Reply, error) {
	logger := logging.FromContext(ctx)
	lookup := NormalizeKey(r.mode, key)

	var (
		res directory.Result
		err error
	)
	switch {
	case r.variant == config.VariantFingerprint:
		res, err = r.dir.CertificateExpiry(ctx, lookup)
	case r.mode == config.KeyModeVerbatim:
		res, err = r.dir.LookupUser(ctx, lookup)
	default:
		res, err = r.dir.LookupAddress(ctx, lookup)
	}
	if err != nil {
		return tcpmap.Reply{}, fmt.Errorf("%s lookup %q: %w", r.variant, lookup, err)
	}

	logger.Debug("directory answered",
		slog.String("variant", string(r.variant)),
		slog.String("lookup", lookup),
		slog.String("status", res.Status.String()),
	)

	switch r.variant {
	case config.VariantAlias:
		return AliasReply(res, r.deliveryDomain), nil
	case config.VariantAccess:
		return AccessReply(res), nil
	default:
		return FingerprintReply(key, res, r.now()), nil
	}
}

// NormalizeKey applies a key mode to a raw lookup key.
func NormalizeKey(mode config.KeyMode, key string) string {
	switch mode {
	case config.KeyModeLogin:
		if i := strings.IndexByte(key, '@'); i >= 0 {
			key = key[:i]
		}
		if i := strings.IndexByte(key, '+'); i >= 0 {
			key = key[:i]
		}
		return strings.ToLower(key)
	case config.KeyModeLower:
		return strings.ToLower(key)
	default:
		return key
	}
}

// AliasReply maps a directory answer to the alias map reply.
func AliasReply(res directory.Result, deliveryDomain string) tcpmap.Reply {
	switch res.Status {
	case directory.Found:
		return tcpmap.Success(res.UserID + "@" + deliveryDomain)
	case directory.FoundNoKey:
		return tcpmap.TemporaryFailure(TextAccountOff)
	default:
		return tcpmap.PermanentFailure(TextNotFound)
	}
}

// AccessReply maps a directory answer to the recipient access reply.
func AccessReply(res directory.Result) tcpmap.Reply {
	switch res.Status {
	case directory.Found:
		return tcpmap.Success(TextOK)
	case directory.FoundNoKey:
		return tcpmap.TemporaryFailure(TextNoPubkey)
	default:
		return tcpmap.PermanentFailure(TextReject)
	}
}

// FingerprintReply maps a certificate answer to the fingerprint map reply.
// The fingerprint is echoed as the client sent it. Expiry dates are ISO
// dates and compare against the UTC date of now as strings. A certificate
// without an expiry on file is answered like an unknown one.
func FingerprintReply(fingerprint string, res directory.Result, now time.Time) tcpmap.Reply {
	switch {
	case res.Status == directory.NotFound:
		return tcpmap.PermanentFailure(TextNotFound)
	case res.Status == directory.FoundNoKey:
		return tcpmap.TemporaryFailure(TextNoExpiry)
	case res.Expiry == "":
		return tcpmap.PermanentFailure(TextNotFound)
	}
	if res.Expiry < now.UTC().Format(time.DateOnly) {
		return tcpmap.PermanentFailure(TextExpired)
	}
	return tcpmap.Success(fingerprint + " " + res.Expiry)
}

var _ tcpmap.Resolver = (*Resolver)(nil)
