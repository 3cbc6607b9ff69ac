package bounce

import (
	"bytes"
	"context"
	"fmt"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
)

// SMTP submits bounces to a relay with the null reverse path.
type SMTP struct {
	address  string
	hostname string
	username string
	password string
}

// NewSMTP creates an SMTP submission transport. Authentication with SASL
// PLAIN is used when username is set.
func NewSMTP(address, hostname, username, password string) *SMTP {
	return &SMTP{address: address, hostname: hostname, username: username, password: password}
}

// Send delivers msg to to. Cancelling ctx aborts the session.
func (s *SMTP) Send(ctx context.Context, to string, msg []byte) error {
	c, err := smtp.Dial(s.address)
	if err != nil {
		return fmt.Errorf("smtp dial %s: %w", s.address, err)
	}

	done := make(chan error, 1)
	go func() {
		done <- s.submit(c, to, msg)
	}()

	select {
	case err := <-done:
		if err != nil {
			_ = c.Close()
			return err
		}
		return nil
	case <-ctx.Done():
		_ = c.Close()
		return ctx.Err()
	}
}

func (s *SMTP) submit(c *smtp.Client, to string, msg []byte) error {
	if err := c.Hello(s.hostname); err != nil {
		return fmt.Errorf("smtp hello: %w", err)
	}
	if s.username != "" {
		if err := c.Auth(sasl.NewPlainClient("", s.username, s.password)); err != nil {
			return fmt.Errorf("smtp auth: %w", err)
		}
	}
	if err := c.SendMail("", []string{to}, bytes.NewReader(msg)); err != nil {
		return fmt.Errorf("smtp send: %w", err)
	}
	return c.Quit()
}
