package buffer

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/nutriflow/zapgate/internal/store"
)

// newOwner mints a unique lock owner id for one processing attempt.
// UUIDv7 keeps the ids time-sortable, which helps when reading logs.
func newOwner() string {
	return uuid.Must(uuid.NewV7()).String()
}

// tryAcquire claims the per-sender lock for one processing attempt. If the
// current holder has exceeded the lock timeout the lock is force-released with
// an alert, then re-acquired. Returns "" when the buffer is legitimately held
// by a live worker.
func (m *Manager) tryAcquire(ctx context.Context, phone string) (string, error) {
	now := m.now()
	owner := newOwner()

	ok, err := m.buffers.AcquireLock(ctx, phone, owner, now)
	if err != nil {
		return "", fmt.Errorf("acquire lock: %w", err)
	}
	if ok {
		return owner, nil
	}

	rec, err := m.buffers.Get(ctx, phone)
	if err != nil {
		return "", fmt.Errorf("inspect lock: %w", err)
	}
	if rec == nil || !rec.Processing {
		// Holder finished (or the buffer vanished) between the failed
		// acquire and the inspection. Let the next sweep pick it up.
		return "", nil
	}

	age := rec.LockAge(now)
	if age <= m.cfg.LockTimeout {
		return "", nil
	}

	slog.Warn("force-releasing stale lock",
		"phone", phone, "locked_by", rec.LockedBy, "lock_age", age)
	m.alerts.Raise(ctx, store.AlertBufferStuckLock, phone,
		fmt.Sprintf("lock held for %.0fs by %s, force-released", age.Seconds(), rec.LockedBy))

	if err := m.buffers.ReleaseLock(ctx, phone); err != nil {
		return "", fmt.Errorf("force release: %w", err)
	}
	ok, err = m.buffers.AcquireLock(ctx, phone, owner, now)
	if err != nil {
		return "", fmt.Errorf("reacquire lock: %w", err)
	}
	if !ok {
		// Another worker won the race after the force-release.
		return "", nil
	}
	return owner, nil
}

// ForceUnlock clears a sender's processing lock regardless of owner or age.
// Admin-only escape hatch.
func (m *Manager) ForceUnlock(ctx context.Context, phone string) error {
	phone = NormalizePhone(phone)
	if phone == "" {
		return ErrEmptyPhone
	}
	if err := m.buffers.ReleaseLock(ctx, phone); err != nil {
		return fmt.Errorf("release lock: %w", err)
	}
	slog.Info("lock force-released by admin", "phone", phone)
	return nil
}

// ForceFlush expires a sender's buffer immediately and runs one sweep pass so
// the batch dispatches without waiting for the window to close.
func (m *Manager) ForceFlush(ctx context.Context, phone string) error {
	phone = NormalizePhone(phone)
	if phone == "" {
		return ErrEmptyPhone
	}
	if err := m.buffers.ForceExpire(ctx, phone, m.now()); err != nil {
		return fmt.Errorf("force expire: %w", err)
	}
	m.sweepOnce(ctx)
	return nil
}

// Snapshot lists all live buffers, soonest expiry first.
func (m *Manager) Snapshot(ctx context.Context) ([]store.BufferRecord, error) {
	return m.buffers.List(ctx)
}

// lockAgeString formats a lock age for alert details.
func lockAgeString(age time.Duration) string {
	return fmt.Sprintf("%.0fs", age.Seconds())
}
