package dispatch

import (
	"context"
	"time"
)

// CancelPoller checks a per-skill-task cancellation flag (distinct from
// session-level revocation) while a dispatched call is in flight, so a
// long-running skill can be abandoned without tearing down the whole
// tool-calling loop (spec.md §4.9's per-skill cancellation).
type CancelPoller interface {
	IsSkillTaskCancelled(ctx context.Context, skillTaskID string) (bool, error)
}

const cancelPollInterval = 500 * time.Millisecond

// WatchCancellation polls the cache key for the given skill task id and
// closes the returned channel the moment cancellation is observed. When
// ctx is done first, polling stops and the channel is never closed.
// Callers select on the
// channel alongside the dispatch call to abandon early.
func WatchCancellation(ctx context.Context, poller CancelPoller, skillTaskID string) <-chan struct{} {
	cancelled := make(chan struct{})
	if skillTaskID == "" {
		return cancelled // never closes; nothing to watch
	}

	go func() {
		ticker := time.NewTicker(cancelPollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				ok, err := poller.IsSkillTaskCancelled(ctx, skillTaskID)
				if err != nil {
					continue
				}
				if ok {
					close(cancelled)
					return
				}
			}
		}
	}()

	return cancelled
}
