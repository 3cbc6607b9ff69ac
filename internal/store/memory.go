package store

import (
	"context"
	"sync"

	"github.com/infodancer/mxd/internal/payload"
)

// Memory keeps documents in process. Used by tests and local experiments.
type Memory struct {
	mu   sync.Mutex
	docs map[string][]payload.Document
	err  error
}

// NewMemory creates an empty Memory store.
func NewMemory() *Memory {
	return &Memory{docs: make(map[string][]payload.Document)}
}

// Put implements Store.
func (m *Memory) Put(ctx context.Context, userID string, doc payload.Document) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.docs[userID] = append(m.docs[userID], doc)
	return nil
}

// FailWith makes every following Put return err. nil restores success.
func (m *Memory) FailWith(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

// Documents returns the documents stored for userID.
func (m *Memory) Documents(userID string) []payload.Document {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]payload.Document(nil), m.docs[userID]...)
}

// Count returns the number of documents stored for all users.
func (m *Memory) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, d := range m.docs {
		n += len(d)
	}
	return n
}

var _ Store = (*Memory)(nil)
