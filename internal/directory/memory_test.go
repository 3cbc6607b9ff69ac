package directory

import (
	"context"
	"testing"
)

func TestMemoryLookups(t *testing.T) {
	m := NewMemory()
	m.Add(Entry{UserID: "abc123", Addresses: []string{"Foo@Example.com"}, PublicKey: "KEY"})
	m.Add(Entry{UserID: "nokey", Addresses: []string{"nokey@example.com"}})
	m.Add(Entry{UserID: "gone", Addresses: []string{"gone@example.com"}, PublicKey: "KEY", Disabled: true})
	ctx := context.Background()

	tests := []struct {
		name   string
		lookup func() (Result, error)
		want   Status
		userID string
	}{
		{"address found", func() (Result, error) { return m.LookupAddress(ctx, "foo@example.com") }, Found, "abc123"},
		{"address no key", func() (Result, error) { return m.LookupAddress(ctx, "nokey@example.com") }, FoundNoKey, "nokey"},
		{"address disabled", func() (Result, error) { return m.LookupAddress(ctx, "gone@example.com") }, NotFound, ""},
		{"address missing", func() (Result, error) { return m.LookupAddress(ctx, "nobody@example.com") }, NotFound, ""},
		{"user found", func() (Result, error) { return m.LookupUser(ctx, "abc123") }, Found, "abc123"},
		{"user missing", func() (Result, error) { return m.LookupUser(ctx, "zzz") }, NotFound, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := tt.lookup()
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if res.Status != tt.want {
				t.Errorf("status = %v, want %v", res.Status, tt.want)
			}
			if res.UserID != tt.userID {
				t.Errorf("user id = %q, want %q", res.UserID, tt.userID)
			}
		})
	}
}

func TestMemoryCertificates(t *testing.T) {
	m := NewMemory()
	m.AddCertificate("ABCDEF", "2030-01-01")
	m.AddCertificate("noexpiry", "")
	ctx := context.Background()

	res, _ := m.CertificateExpiry(ctx, "abcdef")
	if res.Status != Found || res.Expiry != "2030-01-01" {
		t.Errorf("abcdef = %+v", res)
	}

	res, _ = m.CertificateExpiry(ctx, "noexpiry")
	if res.Status != NotFound {
		t.Errorf("noexpiry status = %v, want not_found", res.Status)
	}

	res, _ = m.CertificateExpiry(ctx, "unknown")
	if res.Status != NotFound {
		t.Errorf("unknown status = %v, want not_found", res.Status)
	}
}

func TestStatusString(t *testing.T) {
	if Found.String() != "found" || FoundNoKey.String() != "found_no_key" || NotFound.String() != "not_found" {
		t.Error("unexpected status strings")
	}
}
