package buffer

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nutriflow/zapgate/internal/store"
)

// runHealth wakes on the health interval and repairs pathological buffer
// states the sweep cannot see: locks held far beyond the acquire-path
// timeout, buffers expired but never claimed, and senders stuck in a retry
// loop.
func (m *Manager) runHealth(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.HealthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.healthCheck(ctx)
		}
	}
}

// healthCheck runs one repair pass. Each finding raises an alert; the first
// two classes also mutate the buffer back into a sweepable state.
func (m *Manager) healthCheck(ctx context.Context) {
	now := m.now()

	stuck, err := m.buffers.ListStuckLocks(ctx, now.Add(-m.cfg.StuckLockThreshold))
	if err != nil {
		slog.Error("health: list stuck locks", "error", err)
	}
	for _, rec := range stuck {
		age := rec.LockAge(now)
		slog.Warn("health: releasing stuck lock",
			"phone", rec.Phone, "locked_by", rec.LockedBy, "lock_age", age)
		m.alerts.Raise(ctx, store.AlertHealthStuckLock, rec.Phone,
			fmt.Sprintf("lock held for %s by %s, released by health check", lockAgeString(age), rec.LockedBy))
		if err := m.buffers.ReleaseLock(ctx, rec.Phone); err != nil {
			slog.Error("health: release lock", "phone", rec.Phone, "error", err)
		}
	}

	unprocessed, err := m.buffers.ListUnprocessed(ctx, now.Add(-m.cfg.UnprocessedAge))
	if err != nil {
		slog.Error("health: list unprocessed buffers", "error", err)
	}
	for _, rec := range unprocessed {
		overdue := now.Sub(rec.ExpiresAt)
		slog.Warn("health: forcing overdue buffer", "phone", rec.Phone, "overdue", overdue)
		m.alerts.Raise(ctx, store.AlertHealthUnprocessed, rec.Phone,
			fmt.Sprintf("buffer expired %s ago and was never claimed", lockAgeString(overdue)))
		if err := m.buffers.ForceExpire(ctx, rec.Phone, now); err != nil {
			slog.Error("health: force expire", "phone", rec.Phone, "error", err)
		}
	}

	retrying, err := m.buffers.ListHighRetry(ctx, m.cfg.HighRetryThreshold)
	if err != nil {
		slog.Error("health: list high-retry buffers", "error", err)
	}
	for _, rec := range retrying {
		m.alerts.Raise(ctx, store.AlertHealthHighRetries, rec.Phone,
			fmt.Sprintf("%d failed processing attempts, needs manual review", rec.RetryCount))
	}

	if n := len(stuck) + len(unprocessed) + len(retrying); n > 0 {
		slog.Info("health check repaired buffers",
			"stuck_locks", len(stuck),
			"unprocessed", len(unprocessed),
			"high_retry", len(retrying),
		)
	}
}
