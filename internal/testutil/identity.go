package testutil

import (
	"bytes"
	"testing"
	"time"

	"golang.org/x/crypto/openpgp"
	"golang.org/x/crypto/openpgp/armor"
	"golang.org/x/crypto/openpgp/packet"
)

// Identity is an OpenPGP key pair for tests.
type Identity struct {
	Entity    *openpgp.Entity
	PublicKey string // armored public key block
}

// Keyring returns a keyring holding the private key.
func (id Identity) Keyring() openpgp.EntityList {
	return openpgp.EntityList{id.Entity}
}

// NewIdentity generates a key pair for email.
func NewIdentity(t *testing.T, email string) Identity {
	t.Helper()
	return newIdentity(t, email, time.Now(), 0)
}

// NewExpiredIdentity generates a key pair created at created that expired
// after lifetime.
func NewExpiredIdentity(t *testing.T, email string, created time.Time, lifetime time.Duration) Identity {
	t.Helper()
	return newIdentity(t, email, created, lifetime)
}

func newIdentity(t *testing.T, email string, created time.Time, lifetime time.Duration) Identity {
	t.Helper()

	cfg := &packet.Config{
		RSABits: 2048,
		Time:    func() time.Time { return created },
	}
	e, err := openpgp.NewEntity("Test User", "", email, cfg)
	if err != nil {
		t.Fatalf("generating key: %v", err)
	}

	if lifetime > 0 {
		secs := uint32(lifetime / time.Second)
		for _, id := range e.Identities {
			id.SelfSignature.KeyLifetimeSecs = &secs
			if err := id.SelfSignature.SignUserId(id.UserId.Id, e.PrimaryKey, e.PrivateKey, cfg); err != nil {
				t.Fatalf("signing identity: %v", err)
			}
		}
		for _, sk := range e.Subkeys {
			sk.Sig.KeyLifetimeSecs = &secs
			if err := sk.Sig.SignKey(sk.PublicKey, e.PrivateKey, cfg); err != nil {
				t.Fatalf("signing subkey: %v", err)
			}
		}
	}

	var buf bytes.Buffer
	w, err := armor.Encode(&buf, openpgp.PublicKeyType, nil)
	if err != nil {
		t.Fatalf("armor: %v", err)
	}
	if err := e.Serialize(w); err != nil {
		t.Fatalf("serializing public key: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("armor close: %v", err)
	}

	return Identity{Entity: e, PublicKey: buf.String()}
}
