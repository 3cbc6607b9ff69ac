// Package directory looks up identities, public keys and certificate
// expiry dates in the identity store.
//
// Expected outcomes (no such identity, identity without a key) are reported
// through Result.Status. An error always means the directory could not be
// asked and the caller should try again later.
package directory

import (
	"context"
	"errors"
	"io"
)

// ErrUnavailable marks failures to reach the directory backend.
var ErrUnavailable = errors.New("directory unavailable")

// Status is the outcome of a lookup.
type Status int

const (
	// NotFound means no enabled identity or certificate matches the key.
	NotFound Status = iota
	// FoundNoKey means the identity exists but has no public key on file.
	// For certificates it means the record has no expiry date.
	FoundNoKey
	// Found means the identity and its key, or the certificate expiry, are on file.
	Found
)

func (s Status) String() string {
	switch s {
	case Found:
		return "found"
	case FoundNoKey:
		return "found_no_key"
	default:
		return "not_found"
	}
}

// Result is the outcome of one lookup.
type Result struct {
	Status    Status `json:"status"`
	UserID    string `json:"user_id,omitempty"`
	PublicKey string `json:"public_key,omitempty"`
	Expiry    string `json:"expiry,omitempty"`
}

// Identity builds a Result for a user record. An empty key yields FoundNoKey.
func Identity(userID, publicKey string) Result {
	if publicKey == "" {
		return Result{Status: FoundNoKey, UserID: userID}
	}
	return Result{Status: Found, UserID: userID, PublicKey: publicKey}
}

// Certificate builds a Result for a certificate record. A record without
// an expiry date counts as NotFound.
func Certificate(expiry string) Result {
	if expiry == "" {
		return Result{Status: NotFound}
	}
	return Result{Status: Found, Expiry: expiry}
}

// Directory is the identity store as seen by the lookup maps and the mail pipeline.
type Directory interface {
	// LookupAddress resolves an email address, alias or login to a user.
	LookupAddress(ctx context.Context, address string) (Result, error)

	// LookupUser resolves a user id to its record, including the public key.
	LookupUser(ctx context.Context, userID string) (Result, error)

	// CertificateExpiry looks up the expiry date (YYYY-MM-DD) of a client
	// certificate by its lower-case fingerprint.
	CertificateExpiry(ctx context.Context, fingerprint string) (Result, error)
}

// Close releases resources held by d, if any.
func Close(d Directory) error {
	if c, ok := d.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
