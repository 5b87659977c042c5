// ABOUTME: Boot and shutdown of all tenant sessions plus health statistics
// ABOUTME: Restart backoff with jitter lives here too

package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"slices"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/2389/tally-gateway/internal/session"
	"github.com/2389/tally-gateway/internal/tenant"
)

// startConcurrency bounds parallel activations at boot so a large tenant list
// does not hit the platform with hundreds of getMe calls at once.
const startConcurrency = 16

// SessionStat describes one registered session.
type SessionStat struct {
	TenantID     tenant.ID           `json:"tenant_id"`
	Status       session.Status      `json:"status"`
	Mode         tenant.DispatchMode `json:"mode,omitempty"`
	LastActivity time.Time           `json:"last_activity"`
	StartedAt    time.Time           `json:"started_at"`
	RestartCount int                 `json:"restart_count"`
}

// Stats is a point-in-time summary for health reporting.
type Stats struct {
	Total    int           `json:"total"`
	Active   int           `json:"active"`
	Degraded int           `json:"degraded"`
	Stopped  int           `json:"stopped"`
	Sessions []SessionStat `json:"sessions"`
}

// Stats returns counts by status and per-session activity, sorted by tenant.
func (o *Orchestrator) Stats() Stats {
	var st Stats
	reg := *o.sessions.Load()
	for id, s := range reg {
		st.Sessions = append(st.Sessions, statOf(id, s))
	}

	// Tenants that ran out of restarts no longer have a session but still count.
	for _, id := range o.exhaustedTenants() {
		if _, ok := reg[id]; ok {
			continue
		}
		st.Sessions = append(st.Sessions, SessionStat{TenantID: id, Status: session.StatusStopped})
	}

	for _, s := range st.Sessions {
		switch s.Status {
		case session.StatusRunning:
			st.Active++
		case session.StatusDegraded:
			st.Degraded++
		case session.StatusStopped:
			st.Stopped++
		}
	}
	st.Total = len(st.Sessions)
	slices.SortFunc(st.Sessions, func(a, b SessionStat) int {
		switch {
		case a.TenantID < b.TenantID:
			return -1
		case a.TenantID > b.TenantID:
			return 1
		}
		return 0
	})
	o.setGauge(st)
	return st
}

// Stat describes one tenant's session. Like Status, a tenant that ran out of
// restarts reports stopped.
func (o *Orchestrator) Stat(t tenant.ID) (SessionStat, error) {
	if s, err := o.Lookup(t); err == nil {
		return statOf(t, s), nil
	}
	if ts := o.peekTenant(t); ts != nil && ts.exhausted.Load() {
		return SessionStat{TenantID: t, Status: session.StatusStopped}, nil
	}
	return SessionStat{}, ErrNotFound
}

func statOf(id tenant.ID, s *session.Session) SessionStat {
	return SessionStat{
		TenantID:     id,
		Status:       s.Status(),
		Mode:         s.Mode(),
		LastActivity: s.LastActivity(),
		StartedAt:    s.StartedAt(),
		RestartCount: s.RestartCount(),
	}
}

func (o *Orchestrator) exhaustedTenants() []tenant.ID {
	o.tenantsMu.Lock()
	defer o.tenantsMu.Unlock()
	var out []tenant.ID
	for id, ts := range o.tenants {
		if ts.exhausted.Load() {
			out = append(out, id)
		}
	}
	return out
}

func (o *Orchestrator) updateGauge() {
	if o.metrics == nil {
		return
	}
	counts := map[string]int{}
	for _, s := range *o.sessions.Load() {
		counts[string(s.Status())]++
	}
	o.metrics.SetSessions(counts)
}

func (o *Orchestrator) setGauge(st Stats) {
	if o.metrics == nil {
		return
	}
	counts := map[string]int{}
	for _, s := range st.Sessions {
		counts[string(s.Status)]++
	}
	o.metrics.SetSessions(counts)
}

// StartAll activates every tenant the credential source knows about. Individual
// failures are logged and joined into the returned error; they never stop the
// other tenants from starting.
func (o *Orchestrator) StartAll(ctx context.Context) (int, error) {
	ids, err := o.cfg.Credentials.ListTenants(ctx)
	if err != nil {
		return 0, fmt.Errorf("listing tenants: %w", err)
	}

	errs := make([]error, len(ids))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(startConcurrency)
	for i, id := range ids {
		g.Go(func() error {
			if _, err := o.Activate(gctx, id); err != nil {
				o.logger.Warn("tenant failed to start", "tenant_id", id, "error", err)
				errs[i] = fmt.Errorf("%s: %w", id, err)
			}
			return nil
		})
	}
	_ = g.Wait()

	started := 0
	for _, err := range errs {
		if err == nil {
			started++
		}
	}
	o.logger.Info("tenants started", "started", started, "total", len(ids))
	return started, errors.Join(errs...)
}

// StopAll drains every session for shutdown. Conversations are kept so they
// survive a restart when the state store is persistent.
func (o *Orchestrator) StopAll(ctx context.Context) {
	o.closed.Store(true)

	o.tenantsMu.Lock()
	states := make([]*tenantState, 0, len(o.tenants))
	for _, ts := range o.tenants {
		states = append(states, ts)
	}
	o.tenantsMu.Unlock()
	for _, ts := range states {
		ts.mu.Lock()
		ts.generation++
		ts.stopTimer()
		ts.mu.Unlock()
	}

	var g errgroup.Group
	for id := range *o.sessions.Load() {
		g.Go(func() error {
			return o.deactivate(ctx, id, false)
		})
	}
	_ = g.Wait()
	o.logger.Info("all sessions stopped")
}

// Backoff returns the delay before restart attempt n (1-based): base doubled
// per attempt, capped, then scaled by jitter in [0.8, 1.2].
func Backoff(base, limit time.Duration, attempt int, jitter float64) time.Duration {
	d := base
	for i := 1; i < attempt && d < limit; i++ {
		d *= 2
	}
	d = min(d, limit)
	return time.Duration(float64(d) * jitter)
}

func defaultJitter() float64 {
	return 0.8 + 0.4*rand.Float64()
}
