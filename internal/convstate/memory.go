// ABOUTME: In-memory conversation state store with TTL expiry
// ABOUTME: Keeps a per-tenant index so one tenant's states can be purged in one call

package convstate

import (
	"context"
	"sync"
	"time"

	"github.com/2389/tally-gateway/internal/tenant"
)

// MemoryStore is a thread-safe, TTL-based Store held in process memory.
type MemoryStore struct {
	mu       sync.Mutex
	states   map[Key]*State
	byTenant map[tenant.ID]map[tenant.UserID]struct{}
	ttl      time.Duration
	now      func() time.Time
}

// NewMemoryStore creates a store whose entries expire after ttl without activity.
// A non-positive ttl falls back to DefaultTTL.
func NewMemoryStore(ttl time.Duration) *MemoryStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &MemoryStore{
		states:   make(map[Key]*State),
		byTenant: make(map[tenant.ID]map[tenant.UserID]struct{}),
		ttl:      ttl,
		now:      time.Now,
	}
}

// Get returns a copy of the live state for key, or nil.
// Expired entries are removed on access.
func (m *MemoryStore) Get(_ context.Context, key Key) (*State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.states[key]
	if !ok {
		return nil, nil
	}
	if st.Expired(m.now()) {
		m.deleteLocked(key)
		return nil, nil
	}
	return st.Clone(), nil
}

// Set stores a copy of st and pushes its expiry out by the store TTL.
func (m *MemoryStore) Set(_ context.Context, st *State) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	st.UpdatedAt = now
	st.ExpiresAt = now.Add(m.ttl)

	m.states[st.Key] = st.Clone()
	users, ok := m.byTenant[st.Key.Tenant]
	if !ok {
		users = make(map[tenant.UserID]struct{})
		m.byTenant[st.Key.Tenant] = users
	}
	users[st.Key.User] = struct{}{}
	return nil
}

// Clear removes the state for key. Clearing a missing key is not an error.
func (m *MemoryStore) Clear(_ context.Context, key Key) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deleteLocked(key)
	return nil
}

// ClearTenant removes all states belonging to t.
func (m *MemoryStore) ClearTenant(_ context.Context, t tenant.ID) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	users := m.byTenant[t]
	n := len(users)
	for u := range users {
		delete(m.states, Key{Tenant: t, User: u})
	}
	delete(m.byTenant, t)
	return n, nil
}

// SweepExpired removes every expired entry and returns how many were removed.
func (m *MemoryStore) SweepExpired(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	removed := 0
	for key, st := range m.states {
		if st.Expired(now) {
			m.deleteLocked(key)
			removed++
		}
	}
	return removed, nil
}

// Len returns the number of stored entries, expired or not.
func (m *MemoryStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.states)
}

// Close is a no-op; it satisfies Store.
func (m *MemoryStore) Close() error { return nil }

// deleteLocked must be called with mu held.
func (m *MemoryStore) deleteLocked(key Key) {
	delete(m.states, key)
	if users, ok := m.byTenant[key.Tenant]; ok {
		delete(users, key.User)
		if len(users) == 0 {
			delete(m.byTenant, key.Tenant)
		}
	}
}
