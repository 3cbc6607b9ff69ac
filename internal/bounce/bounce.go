// Package bounce builds RFC 3464 delivery status notifications for messages
// that cannot be delivered and hands them to an outbound mail transport.
//
// A bounce is a multipart/report (RFC 6522) with a human-readable
// explanation, a message/delivery-status block and the returned message.
// Following RFC 3834, no bounce is built for null or responder return paths.
package bounce

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/emersion/go-message"
	"github.com/emersion/go-message/mail"
	"github.com/emersion/go-message/textproto"
	"github.com/google/uuid"
)

// ErrInvalidReturnPath is returned when the original message must not be bounced.
var ErrInvalidReturnPath = errors.New("invalid return path")

// Bounce reasons used by the mail pipeline.
const (
	ReasonMissingUser = "Missing UUID: There was a problem locating the user in our database."
	ReasonMissingKey  = "Missing PGP public key: There was a problem locating the user's public key in our database."
	ReasonServerError = "There was a problem in the server and the email could not be delivered."
)

const wrapWidth = 74

var plausibleAddress = regexp.MustCompile(`^[^@]+@[^@]+\.[^@]+$`)

const explanation = `This is the mail system at %s.

I'm sorry to have to inform you that your message could not
be delivered to one or more recipients. It's attached below.

For further assistance, please send mail to postmaster.

If you do so, please include this problem report. You can
delete your own text from the attached returned message.

                   The mail system

%s`

// CheckReturnPath returns the address a bounce for returnPath should be sent
// to. It fails with ErrInvalidReturnPath for the null sender, for addresses
// responders use themselves (owner-*, *-request, MAILER-DAEMON) and for
// anything that does not look like a deliverable address.
func CheckReturnPath(returnPath string) (string, error) {
	rp := strings.TrimSpace(returnPath)
	if rp == "" || rp == "<>" {
		return "", fmt.Errorf("%w: null sender", ErrInvalidReturnPath)
	}

	addr, err := mail.ParseAddress(rp)
	if err != nil {
		return "", fmt.Errorf("%w: %q: %v", ErrInvalidReturnPath, rp, err)
	}

	local, _, _ := strings.Cut(addr.Address, "@")
	local = strings.ToLower(local)
	if strings.HasPrefix(local, "owner-") ||
		strings.HasSuffix(local, "-request") ||
		strings.HasPrefix(local, "mailer-daemon") {
		return "", fmt.Errorf("%w: %s is a responder address", ErrInvalidReturnPath, addr.Address)
	}

	if !plausibleAddress.MatchString(addr.Address) {
		return "", fmt.Errorf("%w: %q", ErrInvalidReturnPath, addr.Address)
	}
	return addr.Address, nil
}

// Message is a composed bounce ready for the transport.
type Message struct {
	// To is the envelope recipient, the original Return-Path.
	To  string
	Raw []byte
}

// Builder composes bounce messages.
type Builder struct {
	From     string
	Subject  string
	Hostname string

	now func() time.Time
}

// NewBuilder creates a Builder. hostname is reported as the Reporting-MTA.
func NewBuilder(from, subject, hostname string) *Builder {
	return &Builder{From: from, Subject: subject, Hostname: hostname, now: time.Now}
}

// WithClock returns a copy of b that stamps bounces with now.
func (b *Builder) WithClock(now func() time.Time) *Builder {
	c := *b
	c.now = now
	return &c
}

// Build composes a bounce for original explaining reason.
func (b *Builder) Build(original []byte, reason string) (*Message, error) {
	orig, err := textproto.ReadHeader(bufio.NewReader(bytes.NewReader(original)))
	if err != nil {
		return nil, fmt.Errorf("reading original header: %w", err)
	}

	to, err := CheckReturnPath(orig.Get("Return-Path"))
	if err != nil {
		return nil, err
	}

	var h mail.Header
	if from, err := mail.ParseAddress(b.From); err == nil {
		h.SetAddressList("From", []*mail.Address{from})
	} else {
		h.Set("From", b.From)
	}
	h.SetAddressList("To", []*mail.Address{{Address: to}})
	h.SetDate(b.now())
	h.SetSubject(b.Subject)
	h.SetMessageID(uuid.NewString() + "@" + b.Hostname)
	h.Set("Return-Path", "<>")
	h.Set("Auto-Submitted", "auto-replied")
	h.Set("MIME-Version", "1.0")
	h.SetContentType("multipart/report", map[string]string{"report-type": "delivery-status"})

	var buf bytes.Buffer
	w, err := message.CreateWriter(&buf, h.Header)
	if err != nil {
		return nil, fmt.Errorf("creating report: %w", err)
	}

	var text message.Header
	text.SetContentType("text/plain", map[string]string{"charset": "utf-8"})
	if err := writePart(w, text, b.explain(orig.Get("X-Original-To"), reason)); err != nil {
		return nil, err
	}

	var status message.Header
	status.SetContentType("message/delivery-status", nil)
	if err := writePart(w, status, b.deliveryStatus(orig)); err != nil {
		return nil, err
	}

	// RFC 6522: without a 7-bit clean original only the headers are returned.
	var returned message.Header
	body := original
	if is7Bit(original) {
		returned.SetContentType("message/rfc822", nil)
	} else {
		returned.SetContentType("text/rfc822-headers", nil)
		body = headerBlock(original)
	}
	if err := writePart(w, returned, body); err != nil {
		return nil, err
	}

	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("closing report: %w", err)
	}
	return &Message{To: to, Raw: buf.Bytes()}, nil
}

func writePart(w *message.Writer, h message.Header, body []byte) error {
	pw, err := w.CreatePart(h)
	if err != nil {
		return fmt.Errorf("creating part %s: %w", h.Get("Content-Type"), err)
	}
	if _, err := pw.Write(body); err != nil {
		return err
	}
	return pw.Close()
}

func (b *Builder) explain(originalTo, reason string) []byte {
	lines := wrap("<"+originalTo+">: "+reason, wrapWidth)
	for i := 1; i < len(lines); i++ {
		lines[i] = "    " + lines[i]
	}
	text := fmt.Sprintf(explanation, b.Hostname, strings.Join(lines, "\n"))
	return []byte(strings.ReplaceAll(text, "\n", "\r\n") + "\r\n")
}

func (b *Builder) deliveryStatus(orig textproto.Header) []byte {
	var lines []string

	if id := orig.Get("Envelope-Id"); id != "" {
		lines = append(lines, "Original-Envelope-Id: "+id)
	}
	lines = append(lines, "Reporting-MTA: dns; "+b.Hostname, "")

	originalTo := addressOf(orig.Get("X-Original-To"))
	if originalTo != "" {
		lines = append(lines, "Original-Recipient: rfc822; "+originalTo)
	}

	final := addressOf(orig.Get("Delivered-To"))
	if final == "" {
		final = originalTo
	}
	if final == "" {
		final = "unknown"
	}
	lines = append(lines,
		"Final-Recipient: rfc822; "+final,
		"Action: failed",
		"Status: 5.0.0",
	)
	return []byte(strings.Join(lines, "\r\n") + "\r\n")
}

func addressOf(v string) string {
	v = strings.TrimSpace(v)
	if v == "" {
		return ""
	}
	if addr, err := mail.ParseAddress(v); err == nil {
		return addr.Address
	}
	return v
}

// wrap splits text into lines of at most width columns, breaking at spaces
// and splitting words that are longer than a line.
func wrap(text string, width int) []string {
	var lines []string
	var line strings.Builder

	for _, word := range strings.Fields(text) {
		for len(word) > width {
			if line.Len() > 0 {
				lines = append(lines, line.String())
				line.Reset()
			}
			lines = append(lines, word[:width])
			word = word[width:]
		}
		if line.Len() > 0 && line.Len()+1+len(word) > width {
			lines = append(lines, line.String())
			line.Reset()
		}
		if line.Len() > 0 {
			line.WriteByte(' ')
		}
		line.WriteString(word)
	}
	if line.Len() > 0 {
		lines = append(lines, line.String())
	}
	return lines
}

func is7Bit(b []byte) bool {
	for _, c := range b {
		if c >= 0x80 || c == 0 {
			return false
		}
	}
	return true
}

func headerBlock(raw []byte) []byte {
	if i := bytes.Index(raw, []byte("\r\n\r\n")); i >= 0 {
		return raw[:i+2]
	}
	if i := bytes.Index(raw, []byte("\n\n")); i >= 0 {
		return raw[:i+1]
	}
	return raw
}
