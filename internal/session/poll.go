// ABOUTME: Long-poll receive loop for sessions in polling mode
// ABOUTME: Backs off on transport errors and degrades the session when the budget runs out

package session

import (
	"context"
	"errors"
	"time"

	"github.com/2389/tally-gateway/internal/dedupe"
	"github.com/2389/tally-gateway/internal/messaging"
)

const maxPollBackoff = 30 * time.Second

// poll fetches updates until ctx ends or the transport gives out. ready is
// closed just before the first fetch is issued.
func (s *Session) poll(ctx context.Context, client messaging.Client, ready chan struct{}) {
	defer close(s.pollDone)

	offset := 0
	first := true
	for {
		if first {
			close(ready)
			first = false
		}

		batch, err := client.FetchUpdates(ctx, offset, s.cfg.PollWait)
		if ctx.Err() != nil || errors.Is(err, messaging.ErrClosed) {
			return
		}
		if err != nil {
			degraded, attempt := s.noteTransportFailure(err)
			if degraded {
				return
			}
			wait := pollBackoff(s.cfg.RetryBackoff, attempt)
			if hint := messaging.RetryAfter(err); hint > wait {
				wait = hint
			}
			s.logger.Warn("fetching updates failed", "error", err, "attempt", attempt, "retry_in", wait)
			if !sleepCtx(ctx, wait) {
				return
			}
			continue
		}
		s.noteTransportOK()

		if batch.NextOffset > offset {
			offset = batch.NextOffset
		}
		for _, ev := range batch.Events {
			ev.TenantID = s.tenantID
			if s.cfg.Seen != nil && s.cfg.Seen.CheckAndMark(dedupe.UpdateKey{Tenant: s.tenantID, UpdateID: ev.UpdateID}) {
				s.metrics.Duplicate()
				continue
			}
			if err := s.enqueue(ctx, ev); err != nil {
				return
			}
		}
	}
}

// pollBackoff doubles base per attempt, capped at maxPollBackoff.
func pollBackoff(base time.Duration, attempt int) time.Duration {
	d := base
	for i := 1; i < attempt && d < maxPollBackoff; i++ {
		d *= 2
	}
	return min(d, maxPollBackoff)
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
