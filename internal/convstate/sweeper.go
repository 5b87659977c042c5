// ABOUTME: Background sweep that drops expired conversation states
// ABOUTME: Runs one ticker loop for the shared store until its context ends

package convstate

import (
	"context"
	"log/slog"
	"time"
)

// RunSweeper calls store.SweepExpired every interval until ctx is done.
// onSweep, when non-nil, is told how many entries each pass removed.
func RunSweeper(ctx context.Context, store Store, interval time.Duration, logger *slog.Logger, onSweep func(int)) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			n, err := store.SweepExpired(ctx)
			if err != nil {
				logger.Warn("conversation sweep failed", "error", err)
				continue
			}
			if n > 0 {
				logger.Debug("expired conversations removed", "count", n)
			}
			if onSweep != nil {
				onSweep(n)
			}
		case <-ctx.Done():
			return
		}
	}
}
