// Package receiver drains the maildir spool: it watches for newly delivered
// messages, encrypts each one to its owner's public key, stores the result
// and removes or bounces the original.
package receiver

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"strings"

	"github.com/emersion/go-message/mail"
	"github.com/emersion/go-message/textproto"
)

// ErrNoOwner is returned when a message carries no usable Delivered-To header.
var ErrNoOwner = errors.New("no Delivered-To header")

// Owner returns the user id a queued message belongs to: the local part of
// its topmost Delivered-To header. The alias map has already rewritten the
// recipient to <uuid>@<delivery domain> by the time the message is queued.
func Owner(raw []byte) (string, error) {
	h, err := textproto.ReadHeader(bufio.NewReader(bytes.NewReader(raw)))
	if err != nil {
		return "", fmt.Errorf("reading header: %w", err)
	}

	deliveredTo := strings.TrimSpace(h.Get("Delivered-To"))
	if deliveredTo == "" {
		return "", ErrNoOwner
	}

	addr := deliveredTo
	if a, err := mail.ParseAddress(deliveredTo); err == nil {
		addr = a.Address
	}
	local, _, _ := strings.Cut(addr, "@")
	if local == "" {
		return "", fmt.Errorf("%w: %q has no local part", ErrNoOwner, deliveredTo)
	}
	return local, nil
}
