package directory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/infodancer/mxd/internal/config"
	"github.com/infodancer/mxd/internal/logging"
)

// slowDirectory blocks until the context is done.
type slowDirectory struct{ *Memory }

func (s *slowDirectory) LookupUser(ctx context.Context, userID string) (Result, error) {
	<-ctx.Done()
	return Result{}, ctx.Err()
}

func TestGuardTimeout(t *testing.T) {
	g := NewGuard(&slowDirectory{Memory: NewMemory()}, GuardConfig{Timeout: 20 * time.Millisecond}, logging.Discard())

	start := time.Now()
	_, err := g.LookupUser(context.Background(), "abc123")
	if !errors.Is(err, ErrUnavailable) {
		t.Errorf("error = %v, want ErrUnavailable", err)
	}
	if time.Since(start) > time.Second {
		t.Error("guard did not bound the call")
	}
}

func TestGuardOpensBreaker(t *testing.T) {
	backend := &countingDirectory{inner: NewMemory(), err: errors.New("boom")}
	g := NewGuard(backend, GuardConfig{Failures: 2, OpenTimeout: time.Minute}, logging.Discard())
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if _, err := g.LookupAddress(ctx, "foo@example.com"); err == nil {
			t.Fatal("expected backend error")
		}
	}
	if g.State() != "open" {
		t.Fatalf("breaker state = %s, want open", g.State())
	}

	_, err := g.LookupAddress(ctx, "foo@example.com")
	if !errors.Is(err, ErrUnavailable) {
		t.Errorf("error = %v, want ErrUnavailable while open", err)
	}
	if backend.calls != 2 {
		t.Errorf("backend calls = %d, want 2 (open breaker must not call through)", backend.calls)
	}
}

func TestGuardNotFoundIsNotFailure(t *testing.T) {
	backend := &countingDirectory{inner: NewMemory()}
	g := NewGuard(backend, GuardConfig{Failures: 1, OpenTimeout: time.Minute}, logging.Discard())

	for i := 0; i < 3; i++ {
		res, err := g.LookupAddress(context.Background(), "nobody@example.com")
		if err != nil || res.Status != NotFound {
			t.Fatalf("lookup %d = %+v, %v", i, res, err)
		}
	}
	if g.State() != "closed" {
		t.Errorf("breaker state = %s, want closed", g.State())
	}
}

func TestOpen(t *testing.T) {
	cfg := config.Default().Directory

	for _, typ := range []string{"couchdb", "ldap", "memory"} {
		cfg.Type = typ
		d, err := Open(cfg, time.Second, logging.Discard())
		if err != nil {
			t.Fatalf("Open(%s): %v", typ, err)
		}
		if _, ok := d.(*Guard); !ok {
			t.Errorf("Open(%s) returned %T, want *Guard", typ, d)
		}
		if err := Close(d); err != nil {
			t.Errorf("Close(%s): %v", typ, err)
		}
	}

	cfg.Type = "nis"
	if _, err := Open(cfg, time.Second, nil); err == nil {
		t.Error("expected error for unknown type")
	}
}
