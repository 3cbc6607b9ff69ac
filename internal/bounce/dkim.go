package bounce

import (
	"bytes"
	"context"
	"crypto"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"

	"github.com/emersion/go-msgauth/dkim"
)

// DKIM signs every bounce before handing it to the next transport.
type DKIM struct {
	next    Transport
	options *dkim.SignOptions
}

// NewDKIM wraps next with a DKIM signer for domain and selector.
func NewDKIM(next Transport, domain, selector string, key crypto.Signer) *DKIM {
	return &DKIM{
		next: next,
		options: &dkim.SignOptions{
			Domain:     domain,
			Selector:   selector,
			Signer:     key,
			HeaderKeys: []string{"From", "To", "Subject", "Date", "Message-Id", "Auto-Submitted", "Content-Type"},
		},
	}
}

// Send implements Transport.
func (d *DKIM) Send(ctx context.Context, to string, msg []byte) error {
	var signed bytes.Buffer
	if err := dkim.Sign(&signed, bytes.NewReader(msg), d.options); err != nil {
		return fmt.Errorf("dkim sign: %w", err)
	}
	return d.next.Send(ctx, to, signed.Bytes())
}

// LoadSigningKey reads a PEM encoded RSA or Ed25519 private key.
func LoadSigningKey(path string) (crypto.Signer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading dkim key: %w", err)
	}
	return ParseSigningKey(data)
}

// ParseSigningKey parses a PKCS#1 or PKCS#8 PEM private key.
func ParseSigningKey(data []byte) (crypto.Signer, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, errors.New("dkim key: no PEM block found")
	}

	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("dkim key: %w", err)
	}
	signer, ok := key.(crypto.Signer)
	if !ok {
		return nil, fmt.Errorf("dkim key: unsupported key type %T", key)
	}
	return signer, nil
}
