package cache

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/meridian-research/meridian/internal/models"
)

// ErrNotFound is returned by stores when a key has no live entry.
var ErrNotFound = errors.New("cache entry not found")

// ResultSet is the cached payload of one completed research run.
type ResultSet struct {
	Records []models.SourceRecord `json:"records"`
	Facts   []models.VerifiedFact `json:"facts,omitempty"`
	Report  string                `json:"report,omitempty"`
}

// Entry is one cache record. Fingerprint is the primary key; the
// normalized token set supports near-duplicate comparison.
type Entry struct {
	Fingerprint string    `json:"fingerprint"`
	Query       string    `json:"query"`
	Mode        string    `json:"mode"`
	Tokens      []string  `json:"tokens"`
	Results     ResultSet `json:"results"`
	CreatedAt   time.Time `json:"created_at"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// Expired reports whether the entry is past its TTL at t.
func (e *Entry) Expired(t time.Time) bool {
	return t.After(e.ExpiresAt)
}

// Store is a keyed backend for cache entries. Implementations must be
// safe for concurrent use; the similarity window lives above the store.
type Store interface {
	Get(ctx context.Context, fingerprint string) (*Entry, error)
	Set(ctx context.Context, entry *Entry, ttl time.Duration) error
	Delete(ctx context.Context, fingerprint string) error
	Close() error
}

// MemoryStore keeps entries in a map. The zero-dependency default.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]*Entry
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]*Entry)}
}

func (m *MemoryStore) Get(_ context.Context, fingerprint string) (*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[fingerprint]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *e
	return &cp, nil
}

func (m *MemoryStore) Set(_ context.Context, entry *Entry, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *entry
	m.entries[entry.Fingerprint] = &cp
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, fingerprint string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, fingerprint)
	return nil
}

func (m *MemoryStore) Close() error { return nil }
