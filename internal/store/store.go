// ABOUTME: Store interfaces and data types for tally-gateway persistence
// ABOUTME: Tenant credentials plus the per-tenant transactions and categories flows produce

package store

import (
	"context"
	"errors"
	"time"

	"github.com/2389/tally-gateway/internal/flow"
	"github.com/2389/tally-gateway/internal/tenant"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrDuplicateCategory is returned when a tenant already has a category with that name and type
var ErrDuplicateCategory = errors.New("category already exists")

// Transaction is a stored income or expense.
type Transaction struct {
	ID          string
	TenantID    tenant.ID
	Type        string
	AmountMinor int64
	Category    string
	Note        string
	Source      flow.Kind
	CreatedAt   time.Time
}

// Category is a named bucket for transactions of one type.
type Category struct {
	ID        string
	TenantID  tenant.ID
	Type      string
	Name      string
	CreatedAt time.Time
}

// CredentialStore holds each tenant's bot configuration. Secrets are
// encrypted at rest by the SQLite implementation.
type CredentialStore interface {
	PutCredential(ctx context.Context, cred tenant.Credential) error
	GetCredential(ctx context.Context, t tenant.ID) (tenant.Credential, error)
	ListTenants(ctx context.Context) ([]tenant.ID, error)
	DeleteTenant(ctx context.Context, t tenant.ID) error
}

// RecordStore persists what completed flows produce. Every query is scoped
// to a single tenant.
type RecordStore interface {
	CreateTransaction(ctx context.Context, t tenant.ID, rec flow.Record) (string, error)
	ListTransactions(ctx context.Context, t tenant.ID, limit int) ([]*Transaction, error)
	CreateCategory(ctx context.Context, t tenant.ID, cat flow.CategoryRecord) (string, error)
	ListCategories(ctx context.Context, t tenant.ID, typ string) ([]string, error)
}

// Store is everything the gateway persists.
type Store interface {
	CredentialStore
	RecordStore
	Ping(ctx context.Context) error
	Close() error
}

const defaultListLimit = 50

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return defaultListLimit
	}
	return min(limit, 500)
}
