// Package tcpmap implements the Postfix tcp_table lookup protocol.
//
// A client sends "get <key>\n" where key is %XX encoded, and the server
// answers with exactly one line "<code> <text>\n". Codes are 200 (found),
// 400 (temporary failure, try again later) and 500 (permanent failure).
// See tcp_table(5).
package tcpmap

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Reply codes.
const (
	CodeSuccess          = 200
	CodeTemporaryFailure = 400
	CodePermanentFailure = 500
)

// MaxReplyLength bounds an encoded reply line, excluding the newline.
const MaxReplyLength = 4096

var (
	// ErrMissingKey is returned by ParseRequest for a get or put without a key.
	ErrMissingKey = errors.New("missing key")

	// ErrUnknownCommand is returned by ParseRequest for an unrecognized verb.
	ErrUnknownCommand = errors.New("unknown command")

	// ErrPutNotImplemented is returned by ParseRequest for any put request.
	ErrPutNotImplemented = errors.New("put is not implemented")

	// ErrMalformedReply is returned by ParseReply for a line that is not "<code> <text>".
	ErrMalformedReply = errors.New("malformed reply")
)

// Reply is one response line.
type Reply struct {
	Code int
	Text string
}

// Success returns a 200 reply.
func Success(text string) Reply { return Reply{Code: CodeSuccess, Text: text} }

// TemporaryFailure returns a 400 reply.
func TemporaryFailure(text string) Reply { return Reply{Code: CodeTemporaryFailure, Text: text} }

// PermanentFailure returns a 500 reply.
func PermanentFailure(text string) Reply { return Reply{Code: CodePermanentFailure, Text: text} }

// String renders the reply unquoted, for logs.
func (r Reply) String() string {
	return fmt.Sprintf("%d %s", r.Code, r.Text)
}

// Encode renders the reply as a wire line including the trailing newline.
// A reply that would exceed MaxReplyLength is replaced by a temporary failure.
func (r Reply) Encode() string {
	line := strconv.Itoa(r.Code) + " " + Quote(r.Text)
	if len(line) > MaxReplyLength {
		line = strconv.Itoa(CodeTemporaryFailure) + " " + Quote("reply too long")
	}
	return line + "\n"
}

// Request is a parsed request line.
type Request struct {
	Verb string
	Key  string
}

// ParseRequest parses one request line without its line terminator.
// The key is returned unquoted.
func ParseRequest(line string) (Request, error) {
	line = strings.TrimRight(line, "\r\n")
	verb, rest, _ := strings.Cut(line, " ")
	req := Request{Verb: strings.ToLower(verb)}

	switch req.Verb {
	case "get":
		key := strings.TrimSpace(rest)
		if key == "" {
			return req, ErrMissingKey
		}
		unquoted, err := Unquote(key)
		if err != nil {
			return req, err
		}
		req.Key = unquoted
		return req, nil
	case "put":
		if strings.TrimSpace(rest) == "" {
			return req, ErrMissingKey
		}
		return req, ErrPutNotImplemented
	default:
		return req, ErrUnknownCommand
	}
}

// ParseReply parses one reply line without its line terminator.
func ParseReply(line string) (Reply, error) {
	line = strings.TrimRight(line, "\r\n")
	codeText, text, ok := strings.Cut(line, " ")
	if !ok || len(codeText) != 3 {
		return Reply{}, fmt.Errorf("%w: %q", ErrMalformedReply, line)
	}
	code, err := strconv.Atoi(codeText)
	if err != nil {
		return Reply{}, fmt.Errorf("%w: %q", ErrMalformedReply, line)
	}
	unquoted, err := Unquote(text)
	if err != nil {
		return Reply{}, err
	}
	return Reply{Code: code, Text: unquoted}, nil
}

// Quote encodes s for the wire: '%', space, control characters and
// non-ASCII bytes become %XX.
func Quote(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c <= ' ' || c >= 0x7f || c == '%' {
			fmt.Fprintf(&b, "%%%02X", c)
			continue
		}
		b.WriteByte(c)
	}
	return b.String()
}

// Unquote decodes %XX sequences. Any other byte is taken literally.
func Unquote(s string) (string, error) {
	if !strings.Contains(s, "%") {
		return s, nil
	}
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		if s[i] != '%' {
			b.WriteByte(s[i])
			continue
		}
		if i+2 >= len(s) {
			return "", fmt.Errorf("invalid escape at offset %d in %q", i, s)
		}
		v, err := strconv.ParseUint(s[i+1:i+3], 16, 8)
		if err != nil {
			return "", fmt.Errorf("invalid escape at offset %d in %q", i, s)
		}
		b.WriteByte(byte(v))
		i += 2
	}
	return b.String(), nil
}
