package storage

import (
	"errors"
	"sync"
	"time"

	"golang.org/x/exp/slices"

	"github.com/dreamware/ramstream/internal/replication"
)

// ErrPageNotFound is returned when no page is stored at an address
var ErrPageNotFound = errors.New("page not found")

// PageStore holds the replica copy of one VM's memory, keyed by page address.
// All implementations must be thread-safe for concurrent access
type PageStore interface {
	// Get retrieves the page stored at address
	// Returns ErrPageNotFound if the address was never written
	Get(address uint64) (replication.MemoryPage, error)

	// Put applies pages in order and returns how many were stored.
	// A page older than the copy already stored at its address is skipped,
	// so re-applying a chunk is harmless
	Put(pages ...replication.MemoryPage) int

	// Delete removes the page at address
	// No error if the address doesn't exist
	Delete(address uint64) error

	// Addresses returns every stored address in ascending order
	Addresses() []uint64

	// Stats returns storage statistics
	Stats() StoreStats
}

// StoreStats contains statistics about the store
type StoreStats struct {
	Pages       int       `json:"pages"`        // Number of stored pages
	Bytes       int64     `json:"bytes"`        // Total page bytes
	Applied     uint64    `json:"applied"`      // Pages stored by Put
	Stale       uint64    `json:"stale"`        // Pages skipped because a newer copy was stored
	LastCapture time.Time `json:"last_capture"` // Newest CapturedAt seen
}

// MemoryStore implements PageStore with in-memory storage
// Uses sync.RWMutex for thread-safe concurrent access
type MemoryStore struct {
	mu      sync.RWMutex                      // Protects concurrent access
	pages   map[uint64]replication.MemoryPage // Address -> newest copy
	bytes   int64
	applied uint64
	stale   uint64
	latest  time.Time
}

// NewMemoryStore creates a new in-memory page store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		pages: make(map[uint64]replication.MemoryPage),
	}
}

// Get retrieves the page at address
// Returns a copy to prevent external modification
func (m *MemoryStore) Get(address uint64) (replication.MemoryPage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, exists := m.pages[address]
	if !exists {
		return replication.MemoryPage{}, ErrPageNotFound
	}
	return p.Clone(), nil
}

// Put stores copies of pages, newest CapturedAt wins per address
func (m *MemoryStore) Put(pages ...replication.MemoryPage) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored := 0
	for _, p := range pages {
		if old, exists := m.pages[p.Address]; exists {
			if old.CapturedAt.After(p.CapturedAt) {
				m.stale++
				continue
			}
			m.bytes -= old.Bytes()
		}

		m.pages[p.Address] = p.Clone()
		m.bytes += p.Bytes()
		m.applied++
		stored++
		if p.CapturedAt.After(m.latest) {
			m.latest = p.CapturedAt
		}
	}
	return stored
}

// Delete removes the page at address
// No error if the address doesn't exist (idempotent)
func (m *MemoryStore) Delete(address uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if old, exists := m.pages[address]; exists {
		m.bytes -= old.Bytes()
		delete(m.pages, address)
	}
	return nil
}

// Addresses returns every stored address, ascending
func (m *MemoryStore) Addresses() []uint64 {
	m.mu.RLock()
	addrs := make([]uint64, 0, len(m.pages))
	for addr := range m.pages {
		addrs = append(addrs, addr)
	}
	m.mu.RUnlock()

	slices.Sort(addrs)
	return addrs
}

// Stats returns storage statistics
func (m *MemoryStore) Stats() StoreStats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return StoreStats{
		Pages:       len(m.pages),
		Bytes:       m.bytes,
		Applied:     m.applied,
		Stale:       m.stale,
		LastCapture: m.latest,
	}
}
