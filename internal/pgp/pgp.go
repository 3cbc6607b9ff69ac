// Package pgp encrypts incoming mail payloads to a recipient's OpenPGP
// public key.
package pgp

import (
	"bytes"
	"context"
	_ "crypto/sha256" // registers SHA-256 for openpgp hash selection
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/crypto/openpgp"
	"golang.org/x/crypto/openpgp/armor"
	"golang.org/x/crypto/openpgp/packet"
	_ "golang.org/x/crypto/ripemd160" // registers RIPEMD-160, openpgp's fallback when a key lists no hash preferences

	"github.com/infodancer/mxd/internal/logging"
)

// ErrNoKey is returned when the armored key block holds no usable key.
var ErrNoKey = errors.New("no public key in key block")

// Encryptor encrypts payloads to armored public keys.
type Encryptor struct {
	now func() time.Time
}

// NewEncryptor creates an Encryptor using the system clock.
func NewEncryptor() *Encryptor {
	return &Encryptor{now: time.Now}
}

// WithClock returns a copy of e that reads time from now.
func (e *Encryptor) WithClock(now func() time.Time) *Encryptor {
	return &Encryptor{now: now}
}

// ReadKey parses the first entity from an armored public key block.
func ReadKey(armored string) (*openpgp.Entity, error) {
	entities, err := openpgp.ReadArmoredKeyRing(strings.NewReader(armored))
	if err != nil {
		return nil, fmt.Errorf("reading public key: %w", err)
	}
	if len(entities) == 0 {
		return nil, ErrNoKey
	}
	return entities[0], nil
}

// Encrypt encrypts plaintext to the armored public key and returns an
// ASCII-armored PGP message. An expired key is still used; the expiry is
// logged. Encryption runs until done or until ctx ends.
func (e *Encryptor) Encrypt(ctx context.Context, armoredKey string, plaintext []byte) (string, error) {
	type result struct {
		out string
		err error
	}
	done := make(chan result, 1)

	go func() {
		out, err := e.encrypt(ctx, armoredKey, plaintext)
		done <- result{out, err}
	}()

	select {
	case r := <-done:
		return r.out, r.err
	case <-ctx.Done():
		return "", fmt.Errorf("encryption aborted: %w", ctx.Err())
	}
}

func (e *Encryptor) encrypt(ctx context.Context, armoredKey string, plaintext []byte) (string, error) {
	entity, err := ReadKey(armoredKey)
	if err != nil {
		return "", err
	}

	now := e.now()
	cfg := &packet.Config{Time: e.now}
	if Expired(entity, now) {
		logging.FromContext(ctx).Warn("recipient key expired, encrypting anyway",
			slog.String("key_id", entity.PrimaryKey.KeyIdString()),
		)
		validAt := newestKeyTime(entity)
		cfg.Time = func() time.Time { return validAt }
	}

	var buf bytes.Buffer
	aw, err := armor.Encode(&buf, "PGP MESSAGE", nil)
	if err != nil {
		return "", err
	}
	pw, err := openpgp.Encrypt(aw, []*openpgp.Entity{entity}, nil, &openpgp.FileHints{IsBinary: true}, cfg)
	if err != nil {
		return "", fmt.Errorf("encrypting to %s: %w", entity.PrimaryKey.KeyIdString(), err)
	}
	if _, err := pw.Write(plaintext); err != nil {
		return "", err
	}
	if err := pw.Close(); err != nil {
		return "", err
	}
	if err := aw.Close(); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// Expired reports whether the entity's identities or encryption subkeys
// have expired at now.
func Expired(e *openpgp.Entity, now time.Time) bool {
	for _, id := range e.Identities {
		if id.SelfSignature != nil && id.SelfSignature.KeyExpired(now) {
			return true
		}
	}
	for _, sk := range e.Subkeys {
		if sk.Sig != nil && sk.Sig.FlagsValid && sk.Sig.FlagEncryptCommunications && sk.Sig.KeyExpired(now) {
			return true
		}
	}
	return false
}

// newestKeyTime returns the latest creation time among the entity's keys,
// a moment at which every key is valid.
func newestKeyTime(e *openpgp.Entity) time.Time {
	t := e.PrimaryKey.CreationTime
	for _, sk := range e.Subkeys {
		if sk.PublicKey != nil && sk.PublicKey.CreationTime.After(t) {
			t = sk.PublicKey.CreationTime
		}
	}
	return t.Add(time.Second)
}

// Decrypt decrypts an armored PGP message with the given keyring.
func Decrypt(armored string, keyring openpgp.EntityList) ([]byte, error) {
	block, err := armor.Decode(strings.NewReader(armored))
	if err != nil {
		return nil, fmt.Errorf("decoding armor: %w", err)
	}
	md, err := openpgp.ReadMessage(block.Body, keyring, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("reading message: %w", err)
	}
	return io.ReadAll(md.UnverifiedBody)
}
