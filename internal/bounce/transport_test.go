package bounce

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"io"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/emersion/go-msgauth/dkim"
	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"

	"github.com/infodancer/mxd/internal/config"
	"github.com/infodancer/mxd/internal/logging"
	"github.com/infodancer/mxd/internal/testutil"
)

type recordingTransport struct {
	mu   sync.Mutex
	to   []string
	msgs [][]byte
	err  error
}

func (r *recordingTransport) Send(ctx context.Context, to string, msg []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.to = append(r.to, to)
	r.msgs = append(r.msgs, msg)
	return nil
}

func (r *recordingTransport) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.msgs)
}

func TestBouncerSends(t *testing.T) {
	rt := &recordingTransport{}
	b := New(testBuilder(), rt, nil, logging.Discard())

	if err := b.Bounce(context.Background(), testutil.DefaultMessage("abc123").Bytes(), ReasonMissingUser); err != nil {
		t.Fatalf("Bounce: %v", err)
	}
	if rt.count() != 1 || rt.to[0] != "sender@example.org" {
		t.Errorf("sent to %v", rt.to)
	}
}

func TestBouncerSuppressed(t *testing.T) {
	rt := &recordingTransport{}
	b := New(testBuilder(), rt, nil, logging.Discard())

	msg := testutil.DefaultMessage("abc123")
	msg.ReturnPath = ""
	err := b.Bounce(context.Background(), msg.Bytes(), ReasonMissingUser)
	if !errors.Is(err, ErrInvalidReturnPath) {
		t.Errorf("error = %v, want ErrInvalidReturnPath", err)
	}
	if rt.count() != 0 {
		t.Error("transport must not be called for a suppressed bounce")
	}
}

func TestBouncerTransportError(t *testing.T) {
	rt := &recordingTransport{err: errors.New("relay down")}
	b := New(testBuilder(), rt, nil, logging.Discard())

	err := b.Bounce(context.Background(), testutil.DefaultMessage("abc123").Bytes(), ReasonMissingUser)
	if err == nil || errors.Is(err, ErrInvalidReturnPath) {
		t.Errorf("error = %v, want a send failure", err)
	}
}

func TestSendmail(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires /bin/sh")
	}

	dir := t.TempDir()
	script := filepath.Join(dir, "sendmail")
	content := "#!/bin/sh\necho \"$@\" > " + filepath.Join(dir, "args") + "\ncat > " + filepath.Join(dir, "stdin") + "\n"
	if err := os.WriteFile(script, []byte(content), 0o755); err != nil {
		t.Fatal(err)
	}

	if err := NewSendmail(script).Send(context.Background(), "sender@example.org", []byte("To: sender@example.org\r\n\r\nhi\r\n")); err != nil {
		t.Fatalf("Send: %v", err)
	}

	args, _ := os.ReadFile(filepath.Join(dir, "args"))
	if strings.TrimSpace(string(args)) != "-t" {
		t.Errorf("args = %q, want -t", args)
	}
	stdin, _ := os.ReadFile(filepath.Join(dir, "stdin"))
	if !strings.Contains(string(stdin), "To: sender@example.org") {
		t.Errorf("stdin = %q", stdin)
	}
}

func TestSendmailFailure(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires /bin/sh")
	}

	script := filepath.Join(t.TempDir(), "sendmail")
	if err := os.WriteFile(script, []byte("#!/bin/sh\necho queue full >&2\nexit 75\n"), 0o755); err != nil {
		t.Fatal(err)
	}

	err := NewSendmail(script).Send(context.Background(), "sender@example.org", []byte("x"))
	if err == nil || !strings.Contains(err.Error(), "queue full") {
		t.Errorf("error = %v", err)
	}
}

// relay is a minimal go-smtp backend that records submissions.
type relay struct {
	mu       sync.Mutex
	from     []string
	to       []string
	data     [][]byte
	username string
}

func (r *relay) NewSession(c *smtp.Conn) (smtp.Session, error) {
	return &relaySession{relay: r}, nil
}

type relaySession struct {
	relay *relay
	from  string
	to    []string
}

func (s *relaySession) AuthMechanisms() []string {
	return []string{sasl.Plain}
}

func (s *relaySession) Auth(mech string) (sasl.Server, error) {
	return sasl.NewPlainServer(func(identity, username, password string) error {
		if username != "bounces" || password != "secret" {
			return errors.New("invalid credentials")
		}
		s.relay.mu.Lock()
		s.relay.username = username
		s.relay.mu.Unlock()
		return nil
	}), nil
}

func (s *relaySession) Mail(from string, opts *smtp.MailOptions) error {
	s.from = from
	return nil
}

func (s *relaySession) Rcpt(to string, opts *smtp.RcptOptions) error {
	s.to = append(s.to, to)
	return nil
}

func (s *relaySession) Data(r io.Reader) error {
	b, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	s.relay.mu.Lock()
	defer s.relay.mu.Unlock()
	s.relay.from = append(s.relay.from, s.from)
	s.relay.to = append(s.relay.to, s.to...)
	s.relay.data = append(s.relay.data, b)
	return nil
}

func (s *relaySession) Reset() {
	s.from = ""
	s.to = nil
}

func (s *relaySession) Logout() error { return nil }

func startRelay(t *testing.T) (*relay, string) {
	t.Helper()
	r := &relay{}
	srv := smtp.NewServer(r)
	srv.Domain = "relay.example.net"
	srv.AllowInsecureAuth = true

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go func() { _ = srv.Serve(ln) }()
	t.Cleanup(func() { _ = srv.Close() })
	return r, ln.Addr().String()
}

func TestSMTPTransport(t *testing.T) {
	r, addr := startRelay(t)

	tr := NewSMTP(addr, "mx.example.net", "bounces", "secret")
	msg := testutil.DefaultMessage("abc123").Bytes()
	bounce, err := testBuilder().Build(msg, ReasonMissingUser)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := tr.Send(ctx, bounce.To, bounce.Raw); err != nil {
		t.Fatalf("Send: %v", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.data) != 1 {
		t.Fatalf("relay received %d messages", len(r.data))
	}
	if r.from[0] != "" {
		t.Errorf("reverse path = %q, want null", r.from[0])
	}
	if len(r.to) != 1 || r.to[0] != "sender@example.org" {
		t.Errorf("recipients = %v", r.to)
	}
	if r.username != "bounces" {
		t.Errorf("authenticated as %q", r.username)
	}
	if !bytes.Contains(r.data[0], []byte("multipart/report")) {
		t.Error("relay did not receive the report")
	}
}

func TestSMTPTransportUnreachable(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()
	_ = ln.Close()

	if err := NewSMTP(addr, "mx.example.net", "", "").Send(context.Background(), "a@example.org", []byte("x")); err == nil {
		t.Error("expected dial error")
	}
}

func testRSAKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return key
}

func TestDKIMSignsBounces(t *testing.T) {
	key := testRSAKey(t)
	rt := &recordingTransport{}
	tr := NewDKIM(rt, "example.net", "mx", key)

	bounce, err := testBuilder().Build(testutil.DefaultMessage("abc123").Bytes(), ReasonMissingUser)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if err := tr.Send(context.Background(), bounce.To, bounce.Raw); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if rt.count() != 1 {
		t.Fatal("signed message not forwarded")
	}

	pub, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		t.Fatal(err)
	}
	record := "v=DKIM1; k=rsa; p=" + base64.StdEncoding.EncodeToString(pub)

	verifications, err := dkim.VerifyWithOptions(bytes.NewReader(rt.msgs[0]), &dkim.VerifyOptions{
		LookupTXT: func(domain string) ([]string, error) {
			if domain != "mx._domainkey.example.net" {
				return nil, errors.New("unexpected lookup " + domain)
			}
			return []string{record}, nil
		},
	})
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if len(verifications) != 1 || verifications[0].Err != nil {
		t.Fatalf("verifications = %+v", verifications)
	}
}

func TestParseSigningKey(t *testing.T) {
	key := testRSAKey(t)

	pkcs1 := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	if _, err := ParseSigningKey(pkcs1); err != nil {
		t.Errorf("PKCS#1: %v", err)
	}

	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		t.Fatal(err)
	}
	pkcs8 := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})
	if _, err := ParseSigningKey(pkcs8); err != nil {
		t.Errorf("PKCS#8: %v", err)
	}

	if _, err := ParseSigningKey([]byte("garbage")); err == nil {
		t.Error("expected error for non-PEM input")
	}
}

func TestLimited(t *testing.T) {
	rt := &recordingTransport{}
	tr := NewLimited(rt, 0.001, 1)

	if err := tr.Send(context.Background(), "a@example.org", []byte("1")); err != nil {
		t.Fatalf("first send: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := tr.Send(ctx, "a@example.org", []byte("2"))
	if !errors.Is(err, ErrRateLimited) {
		t.Errorf("error = %v, want ErrRateLimited", err)
	}
	if rt.count() != 1 {
		t.Errorf("sent %d messages, want 1", rt.count())
	}
}

func TestOpen(t *testing.T) {
	key := testRSAKey(t)
	keyFile := filepath.Join(t.TempDir(), "dkim.pem")
	pemKey := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	if err := os.WriteFile(keyFile, pemKey, 0o600); err != nil {
		t.Fatal(err)
	}

	cfg := config.Default()
	cfg.Bounce.From = "MAILER-DAEMON@mx.example.net"
	cfg.Bounce.DKIMDomain = "example.net"
	cfg.Bounce.DKIMSelector = "mx"
	cfg.Bounce.DKIMKeyFile = keyFile

	b, err := Open(&cfg, nil, logging.Discard())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	limited, ok := b.transport.(*Limited)
	if !ok {
		t.Fatalf("transport = %T, want *Limited", b.transport)
	}
	signed, ok := limited.next.(*DKIM)
	if !ok {
		t.Fatalf("inner transport = %T, want *DKIM", limited.next)
	}
	if _, ok := signed.next.(*Sendmail); !ok {
		t.Errorf("base transport = %T, want *Sendmail", signed.next)
	}

	cfg.Bounce.Transport = "smtp"
	cfg.Bounce.SMTPAddress = "127.0.0.1:25"
	cfg.Bounce.DKIMKeyFile = ""
	cfg.Bounce.Rate = 0
	b, err = Open(&cfg, nil, logging.Discard())
	if err != nil {
		t.Fatalf("Open smtp: %v", err)
	}
	if _, ok := b.transport.(*SMTP); !ok {
		t.Errorf("transport = %T, want *SMTP", b.transport)
	}

	cfg.Bounce.Transport = "carrier-pigeon"
	if _, err := Open(&cfg, nil, logging.Discard()); err == nil {
		t.Error("expected error for unknown transport")
	}
}
