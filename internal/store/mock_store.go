// ABOUTME: Mock Store implementation for testing
// ABOUTME: Allows tests to run without SQLite

package store

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/tally-gateway/internal/flow"
	"github.com/2389/tally-gateway/internal/tenant"
)

// MockStore is an in-memory Store implementation for testing.
type MockStore struct {
	mu           sync.RWMutex
	credentials  map[tenant.ID]tenant.Credential
	transactions map[tenant.ID][]*Transaction
	categories   map[tenant.ID][]*Category
}

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		credentials:  make(map[tenant.ID]tenant.Credential),
		transactions: make(map[tenant.ID][]*Transaction),
		categories:   make(map[tenant.ID][]*Category),
	}
}

// PutCredential stores a credential, replacing any existing one.
func (m *MockStore) PutCredential(ctx context.Context, cred tenant.Credential) error {
	if _, err := tenant.ParseID(string(cred.TenantID)); err != nil {
		return err
	}
	if cred.Mode == "" {
		cred.Mode = tenant.ModePolling
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.credentials[cred.TenantID] = cred
	return nil
}

// GetCredential retrieves a credential.
func (m *MockStore) GetCredential(ctx context.Context, t tenant.ID) (tenant.Credential, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cred, ok := m.credentials[t]
	if !ok || cred.BotToken == "" {
		return tenant.Credential{}, fmt.Errorf("%s: %w", t, tenant.ErrNoCredential)
	}
	return cred, nil
}

// ListTenants returns tenants with a bot token, sorted by id.
func (m *MockStore) ListTenants(ctx context.Context) ([]tenant.ID, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var ids []tenant.ID
	for id, cred := range m.credentials {
		if cred.BotToken != "" {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	return ids, nil
}

// DeleteTenant removes a tenant and its records.
func (m *MockStore) DeleteTenant(ctx context.Context, t tenant.ID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.credentials[t]; !ok {
		return ErrNotFound
	}
	delete(m.credentials, t)
	delete(m.transactions, t)
	delete(m.categories, t)
	return nil
}

// CreateTransaction stores a transaction.
func (m *MockStore) CreateTransaction(ctx context.Context, t tenant.ID, rec flow.Record) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tx := &Transaction{
		ID:          uuid.New().String(),
		TenantID:    t,
		Type:        rec.Type,
		AmountMinor: rec.AmountMinor,
		Category:    rec.Category,
		Note:        rec.Note,
		Source:      rec.Source,
		CreatedAt:   time.Now().UTC(),
	}
	m.transactions[t] = append(m.transactions[t], tx)
	return tx.ID, nil
}

// ListTransactions returns a tenant's transactions, newest first.
func (m *MockStore) ListTransactions(ctx context.Context, t tenant.ID, limit int) ([]*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	all := m.transactions[t]
	limit = normalizeLimit(limit)
	out := make([]*Transaction, 0, min(limit, len(all)))
	for i := len(all) - 1; i >= 0 && len(out) < limit; i-- {
		tx := *all[i]
		out = append(out, &tx)
	}
	return out, nil
}

// CreateCategory stores a category, rejecting case-insensitive duplicates.
func (m *MockStore) CreateCategory(ctx context.Context, t tenant.ID, cat flow.CategoryRecord) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.categories[t] {
		if c.Type == cat.Type && strings.EqualFold(c.Name, cat.Name) {
			return "", fmt.Errorf("%w: %q", ErrDuplicateCategory, cat.Name)
		}
	}
	c := &Category{
		ID:        uuid.New().String(),
		TenantID:  t,
		Type:      cat.Type,
		Name:      cat.Name,
		CreatedAt: time.Now().UTC(),
	}
	m.categories[t] = append(m.categories[t], c)
	return c.ID, nil
}

// ListCategories returns category names in creation order.
func (m *MockStore) ListCategories(ctx context.Context, t tenant.ID, typ string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var names []string
	for _, c := range m.categories[t] {
		if typ == "" || c.Type == typ {
			names = append(names, c.Name)
		}
	}
	return names, nil
}

// Ping always succeeds.
func (m *MockStore) Ping(ctx context.Context) error {
	return nil
}

// Close is a no-op.
func (m *MockStore) Close() error {
	return nil
}
