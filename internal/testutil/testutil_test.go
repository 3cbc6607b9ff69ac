package testutil

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestSetupMaildirs(t *testing.T) {
	base := SetupDefaultMaildirs(t)

	for _, dir := range []string{"flat", "tree", filepath.Join("tree", "users", "abc123")} {
		for _, sub := range []string{"cur", "new", "tmp"} {
			if info, err := os.Stat(filepath.Join(base, dir, sub)); err != nil || !info.IsDir() {
				t.Errorf("missing %s/%s", dir, sub)
			}
		}
	}
}

func TestDeliver(t *testing.T) {
	base := SetupDefaultMaildirs(t)
	maildir := filepath.Join(base, "flat")

	path := Deliver(t, maildir, "1.msg", []byte("hello"))

	if filepath.Dir(path) != filepath.Join(maildir, "new") {
		t.Errorf("delivered to %s, want new/", path)
	}
	if !Exists(path) {
		t.Fatal("delivered file missing")
	}
	if Exists(filepath.Join(maildir, "tmp", "1.msg")) {
		t.Error("tmp file left behind")
	}
}

func TestMessageBytes(t *testing.T) {
	m := DefaultMessage("abc123")
	m.Headers = []string{"X-Test: 1"}
	raw := string(m.Bytes())

	for _, want := range []string{
		"Return-Path: <sender@example.org>\r\n",
		"Delivered-To: abc123@deliver.local\r\n",
		"X-Original-To: foo@example.com\r\n",
		"X-Test: 1\r\n",
		"\r\n\r\nfoo bar\r\n",
	} {
		if !strings.Contains(raw, want) {
			t.Errorf("message missing %q", want)
		}
	}

	m.ReturnPath = "-"
	if strings.Contains(string(m.Bytes()), "Return-Path") {
		t.Error("Return-Path should be omitted")
	}
}

func TestNewIdentity(t *testing.T) {
	id := NewIdentity(t, "abc123@deliver.local")
	if !strings.HasPrefix(id.PublicKey, "-----BEGIN PGP PUBLIC KEY BLOCK-----") {
		t.Errorf("unexpected armor: %.40q", id.PublicKey)
	}
	if bytes.Contains([]byte(id.PublicKey), []byte("PRIVATE")) {
		t.Error("public key block contains private material")
	}
	if len(id.Keyring()) != 1 || id.Keyring()[0].PrivateKey == nil {
		t.Error("keyring should hold the private key")
	}
}

func TestNewExpiredIdentity(t *testing.T) {
	created := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	id := NewExpiredIdentity(t, "old@deliver.local", created, 24*time.Hour)

	for _, ident := range id.Entity.Identities {
		if !ident.SelfSignature.KeyExpired(created.Add(48 * time.Hour)) {
			t.Error("identity should be expired two days after creation")
		}
	}
}
