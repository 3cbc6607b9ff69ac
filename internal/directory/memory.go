package directory

import (
	"context"
	"strings"
	"sync"
)

// Entry is one identity held by Memory.
type Entry struct {
	UserID    string
	Addresses []string
	PublicKey string
	Disabled  bool
}

// Memory is an in-process Directory. It backs tests and the "memory"
// directory type for local experiments.
type Memory struct {
	mu           sync.RWMutex
	byAddress    map[string]*Entry
	byUser       map[string]*Entry
	certificates map[string]string
}

// NewMemory creates an empty Memory directory.
func NewMemory() *Memory {
	return &Memory{
		byAddress:    make(map[string]*Entry),
		byUser:       make(map[string]*Entry),
		certificates: make(map[string]string),
	}
}

// Add registers or replaces an identity.
func (m *Memory) Add(e Entry) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry := e
	m.byUser[e.UserID] = &entry
	for _, addr := range e.Addresses {
		m.byAddress[strings.ToLower(addr)] = &entry
	}
}

// AddCertificate registers a certificate fingerprint with its expiry date.
// An empty expiry records a certificate with no expiry on file.
func (m *Memory) AddCertificate(fingerprint, expiry string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.certificates[strings.ToLower(fingerprint)] = expiry
}

// LookupAddress implements Directory.
func (m *Memory) LookupAddress(ctx context.Context, address string) (Result, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return entryResult(m.byAddress[strings.ToLower(address)]), nil
}

// LookupUser implements Directory.
func (m *Memory) LookupUser(ctx context.Context, userID string) (Result, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return entryResult(m.byUser[userID]), nil
}

// CertificateExpiry implements Directory.
func (m *Memory) CertificateExpiry(ctx context.Context, fingerprint string) (Result, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	expiry, ok := m.certificates[fingerprint]
	if !ok {
		return Result{Status: NotFound}, nil
	}
	return Certificate(expiry), nil
}

func entryResult(e *Entry) Result {
	if e == nil || e.Disabled {
		return Result{Status: NotFound}
	}
	return Identity(e.UserID, e.PublicKey)
}

var _ Directory = (*Memory)(nil)
