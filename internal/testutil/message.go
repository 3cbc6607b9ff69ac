package testutil

import (
	"fmt"
	"strings"
)

// TestMessage describes a queued RFC 5322 message.
type TestMessage struct {
	ReturnPath  string // written as Return-Path: <value>; "-" omits the header
	DeliveredTo []string
	OriginalTo  string
	EnvelopeID  string
	From        string
	To          string
	Subject     string
	Body        string
	Headers     []string // extra raw header lines
}

// DefaultMessage returns a message for user id with a plausible sender.
func DefaultMessage(userID string) TestMessage {
	return TestMessage{
		ReturnPath:  "sender@example.org",
		DeliveredTo: []string{userID + "@deliver.local"},
		OriginalTo:  "foo@example.com",
		From:        "Sender <sender@example.org>",
		To:          "foo@example.com",
		Subject:     "hello",
		Body:        "foo bar",
	}
}

// Bytes renders the message with CRLF line endings.
func (m TestMessage) Bytes() []byte {
	var b strings.Builder
	if m.ReturnPath != "-" {
		fmt.Fprintf(&b, "Return-Path: <%s>\r\n", m.ReturnPath)
	}
	for _, d := range m.DeliveredTo {
		fmt.Fprintf(&b, "Delivered-To: %s\r\n", d)
	}
	if m.OriginalTo != "" {
		fmt.Fprintf(&b, "X-Original-To: %s\r\n", m.OriginalTo)
	}
	if m.EnvelopeID != "" {
		fmt.Fprintf(&b, "Envelope-Id: %s\r\n", m.EnvelopeID)
	}
	for _, h := range m.Headers {
		b.WriteString(h + "\r\n")
	}
	fmt.Fprintf(&b, "From: %s\r\n", m.From)
	fmt.Fprintf(&b, "To: %s\r\n", m.To)
	fmt.Fprintf(&b, "Subject: %s\r\n", m.Subject)
	b.WriteString("Message-Id: <test@example.org>\r\n")
	b.WriteString("Date: Fri, 16 Oct 2026 12:00:00 +0000\r\n")
	b.WriteString("\r\n")
	b.WriteString(m.Body)
	b.WriteString("\r\n")
	return []byte(b.String())
}
