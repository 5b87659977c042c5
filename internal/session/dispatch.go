// ABOUTME: Per-user dispatch lanes that keep one user's events strictly ordered
// ABOUTME: Different users run in parallel; idle lanes retire themselves

package session

import (
	"context"
	"runtime/debug"
	"time"

	"github.com/2389/tally-gateway/internal/messaging"
	"github.com/2389/tally-gateway/internal/tenant"
)

// lane is the FIFO queue of one chat user. pending counts events handed to the
// lane and not yet processed; a lane only retires when pending is zero, and
// pending is guarded by Session.mu.
type lane struct {
	user    tenant.UserID
	events  chan messaging.InboundEvent
	pending int
}

func (s *Session) enqueue(ctx context.Context, ev messaging.InboundEvent) error {
	s.mu.Lock()
	if s.stopping || s.status == StatusStopped {
		s.mu.Unlock()
		return ErrStopped
	}
	ln, ok := s.lanes[ev.UserID]
	if !ok {
		ln = &lane{user: ev.UserID, events: make(chan messaging.InboundEvent, s.cfg.LaneBuffer)}
		s.lanes[ev.UserID] = ln
		s.lanesWG.Add(1)
		go s.runLane(ln)
	}
	ln.pending++
	s.mu.Unlock()

	select {
	case ln.events <- ev:
		return nil
	case <-ctx.Done():
		s.release(ln)
		return ctx.Err()
	case <-s.ctx.Done():
		s.release(ln)
		return ErrStopped
	}
}

func (s *Session) release(ln *lane) {
	s.mu.Lock()
	ln.pending--
	s.mu.Unlock()
}

// finishOne records a processed event. It returns true when the lane should exit.
func (s *Session) finishOne(ln *lane) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	ln.pending--
	if s.stopping && ln.pending == 0 {
		delete(s.lanes, ln.user)
		return true
	}
	return false
}

// retire removes an empty lane. It returns false if events are still pending.
func (s *Session) retire(ln *lane) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ln.pending > 0 {
		return false
	}
	delete(s.lanes, ln.user)
	return true
}

func (s *Session) runLane(ln *lane) {
	defer s.lanesWG.Done()

	idle := time.NewTimer(s.cfg.LaneIdle)
	defer idle.Stop()
	draining := s.draining

	for {
		select {
		case ev := <-ln.events:
			s.handle(ev)
			if s.finishOne(ln) {
				return
			}
			idle.Reset(s.cfg.LaneIdle)
		case <-idle.C:
			if s.retire(ln) {
				return
			}
			idle.Reset(s.cfg.LaneIdle)
		case <-draining:
			if s.retire(ln) {
				return
			}
			// Events are still queued; finishOne retires the lane after the last one.
			draining = nil
		case <-s.ctx.Done():
			return
		}
	}
}

// handle processes one event. Nothing that happens here may escape: errors and
// panics are logged and the user gets a retry message.
func (s *Session) handle(ev messaging.InboundEvent) {
	start := time.Now()
	s.touch()
	logger := s.logger.With("user_id", ev.UserID, "update_id", ev.UpdateID)

	defer func() {
		if r := recover(); r != nil {
			logger.Error("panic while handling event", "panic", r, "stack", string(debug.Stack()))
			s.metrics.Event("panic", time.Since(start))
			s.send(ev.ChatID, msgGenericFailure)
		}
	}()

	outcome := "ok"
	if err := s.dispatch(s.ctx, ev); err != nil {
		switch {
		case s.ctx.Err() != nil:
			outcome = "aborted"
		case isTimeout(err):
			outcome = "timeout"
			logger.Warn("external service timed out", "error", err)
			s.send(ev.ChatID, msgTimeout)
		default:
			outcome = "error"
			logger.Error("event handling failed", "error", err)
			s.send(ev.ChatID, msgGenericFailure)
		}
	}
	s.metrics.Event(outcome, time.Since(start))
}
