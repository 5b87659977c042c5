// ABOUTME: Conversation state types and the tenant-scoped store interface
// ABOUTME: Keys pair a tenant with a chat user so lookups cannot cross tenants

package convstate

import (
	"context"
	"maps"
	"time"

	"github.com/2389/tally-gateway/internal/flow"
	"github.com/2389/tally-gateway/internal/tenant"
)

// DefaultTTL is how long an untouched conversation survives.
const DefaultTTL = 10 * time.Minute

// Key addresses one conversation. Both parts are required.
type Key struct {
	Tenant tenant.ID
	User   tenant.UserID
}

// State is the progress of one multi-step flow for a (tenant, user) pair.
type State struct {
	Key       Key               `json:"-"`
	Flow      flow.Kind         `json:"flow"`
	Step      int               `json:"step"`
	Collected map[string]string `json:"collected"`
	// Invalid counts consecutive rejected inputs at the current step.
	Invalid   int       `json:"invalid"`
	UpdatedAt time.Time `json:"updated_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Expired reports whether the state is past its expiry at now.
func (s *State) Expired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && !now.Before(s.ExpiresAt)
}

// Clone returns a deep copy.
func (s *State) Clone() *State {
	out := *s
	out.Collected = maps.Clone(s.Collected)
	if out.Collected == nil {
		out.Collected = make(map[string]string)
	}
	return &out
}

// Store persists conversation states with expiry.
// Get returns (nil, nil) when no live state exists.
type Store interface {
	Get(ctx context.Context, key Key) (*State, error)
	// Set stores a copy of st under st.Key and refreshes its expiry.
	Set(ctx context.Context, st *State) error
	Clear(ctx context.Context, key Key) error
	// ClearTenant removes every state of one tenant and returns how many were removed.
	ClearTenant(ctx context.Context, t tenant.ID) (int, error)
	SweepExpired(ctx context.Context) (int, error)
	Close() error
}

// Scope is a Store view bound to a single tenant. Sessions only ever see a Scope,
// so they have no way to build a key for another tenant.
type Scope struct {
	tenant tenant.ID
	store  Store
}

// NewScope binds store to tenant t.
func NewScope(store Store, t tenant.ID) Scope {
	return Scope{tenant: t, store: store}
}

// Tenant returns the tenant this scope is bound to.
func (s Scope) Tenant() tenant.ID { return s.tenant }

func (s Scope) key(u tenant.UserID) Key { return Key{Tenant: s.tenant, User: u} }

// Get returns the live state for user u, or nil.
func (s Scope) Get(ctx context.Context, u tenant.UserID) (*State, error) {
	return s.store.Get(ctx, s.key(u))
}

// Start creates a fresh state for user u, replacing any existing one.
func (s Scope) Start(ctx context.Context, u tenant.UserID, kind flow.Kind, seed map[string]string) (*State, error) {
	st := &State{
		Key:       s.key(u),
		Flow:      kind,
		Collected: maps.Clone(seed),
	}
	if st.Collected == nil {
		st.Collected = make(map[string]string)
	}
	if err := s.store.Set(ctx, st); err != nil {
		return nil, err
	}
	return st, nil
}

// Save writes st back. The key is forced to this scope's tenant.
func (s Scope) Save(ctx context.Context, st *State) error {
	st.Key = s.key(st.Key.User)
	return s.store.Set(ctx, st)
}

// Clear removes the state of user u.
func (s Scope) Clear(ctx context.Context, u tenant.UserID) error {
	return s.store.Clear(ctx, s.key(u))
}

// ClearAll removes every state of this scope's tenant.
func (s Scope) ClearAll(ctx context.Context) (int, error) {
	return s.store.ClearTenant(ctx, s.tenant)
}
