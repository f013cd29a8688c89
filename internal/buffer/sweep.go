package buffer

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nutriflow/zapgate/internal/bus"
	"github.com/nutriflow/zapgate/internal/store"
)

// runSweep wakes on every check interval and processes buffers whose debounce
// window has closed.
func (m *Manager) runSweep(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sweepOnce(ctx)
		}
	}
}

// sweepOnce processes every currently expired buffer. Errors are logged and
// alerted per buffer; one failing sender never blocks the rest.
func (m *Manager) sweepOnce(ctx context.Context) {
	expired, err := m.buffers.ListExpired(ctx, m.now())
	if err != nil {
		slog.Error("list expired buffers", "error", err)
		return
	}
	for _, rec := range expired {
		if ctx.Err() != nil {
			return
		}
		m.processBuffer(ctx, rec.Phone)
	}
}

// processBuffer runs one full dispatch attempt for a sender: claim the lock,
// snapshot the collection cutoff, combine the accumulated messages, hand the
// batch to the dispatcher, then settle the buffer under the owner check.
func (m *Manager) processBuffer(ctx context.Context, phone string) {
	owner, err := m.tryAcquire(ctx, phone)
	if err != nil {
		slog.Error("lock acquisition failed", "phone", phone, "error", err)
		return
	}
	if owner == "" {
		return
	}

	// Everything at or after the cutoff belongs to the next batch.
	cutoff := m.now()

	rec, err := m.buffers.Get(ctx, phone)
	if err != nil {
		m.abandon(ctx, phone, owner, fmt.Errorf("reload buffer: %w", err))
		return
	}
	if rec == nil {
		// The record disappeared between acquire and reload. There is no
		// lock left to release.
		slog.Warn("buffer vanished after lock acquisition", "phone", phone)
		return
	}

	msgs, err := m.interactions.IncomingBetween(ctx, phone, rec.CreatedAt, cutoff)
	if err != nil {
		m.abandon(ctx, phone, owner, fmt.Errorf("collect messages: %w", err))
		return
	}
	if len(msgs) == 0 {
		// Nothing collected: either an overlap requeue left an empty
		// interval or the interaction log lost the writes. Drop the
		// buffer, unless an intake raced us past the cutoff.
		m.deleteOrRequeue(ctx, phone, owner, cutoff)
		return
	}

	combined := CombineMessages(msgs)
	slog.Info("dispatching batch", "phone", phone, "messages", len(msgs))

	if err := m.dispatcher.Handle(ctx, phone, combined); err != nil {
		slog.Error("batch dispatch failed", "phone", phone, "error", err)
		m.alerts.Raise(ctx, store.AlertBufferProcessError, phone, err.Error())
		m.failBatch(ctx, phone, owner, len(msgs), err)
		return
	}

	m.settle(ctx, phone, owner, cutoff, len(msgs))
}

// settle removes or requeues the buffer after a successful dispatch. Messages
// that arrived during processing (at or after the cutoff) must survive as the
// seed of the next batch.
func (m *Manager) settle(ctx context.Context, phone, owner string, cutoff time.Time, count int) {
	if !m.deleteOrRequeue(ctx, phone, owner, cutoff) {
		return
	}
	m.publish(bus.Event{
		Name:    bus.EventBatchDispatch,
		Payload: bus.BufferEventPayload{Phone: phone, Messages: count},
	})
}

// deleteOrRequeue finishes a claimed buffer: the conditional delete only
// succeeds if no message arrived at or after the cutoff, so an intake racing
// this path can never lose its message. On overlap the buffer is requeued
// with the cutoff as the next batch's start. Both mutations are
// owner-conditional; losing both means the lock was force-released under us.
func (m *Manager) deleteOrRequeue(ctx context.Context, phone, owner string, cutoff time.Time) bool {
	deleted, err := m.buffers.DeleteIfOwner(ctx, phone, owner, cutoff)
	if err != nil {
		slog.Error("delete buffer", "phone", phone, "error", err)
		return false
	}
	if deleted {
		return true
	}

	requeued, err := m.buffers.Requeue(ctx, phone, owner, cutoff)
	if err != nil {
		slog.Error("requeue buffer", "phone", phone, "error", err)
		return false
	}
	if !requeued {
		m.staleCompletion(ctx, phone, owner)
		return false
	}
	slog.Info("overlap requeued", "phone", phone)
	return true
}

// failBatch retains the buffer for a later attempt: release our lock, bump
// the retry counter. The next sweep retries the same interval. The retry
// bump is gated on the release succeeding; a worker that already lost its
// lock must not charge a retry to the new holder's attempt.
func (m *Manager) failBatch(ctx context.Context, phone, owner string, count int, cause error) {
	released, err := m.buffers.ReleaseLockIfOwner(ctx, phone, owner)
	if err != nil {
		slog.Error("release lock after failure", "phone", phone, "error", err)
	}
	if released {
		if err := m.buffers.IncrementRetry(ctx, phone); err != nil {
			slog.Error("increment retry", "phone", phone, "error", err)
		}
	}
	m.publish(bus.Event{
		Name:    bus.EventBatchFailed,
		Payload: bus.BufferEventPayload{Phone: phone, Messages: count, Error: cause.Error()},
	})
}

// abandon releases our lock after an internal error before dispatch. The
// buffer stays queued and the next sweep retries it.
func (m *Manager) abandon(ctx context.Context, phone, owner string, cause error) {
	slog.Error("buffer processing aborted", "phone", phone, "error", cause)
	if _, err := m.buffers.ReleaseLockIfOwner(ctx, phone, owner); err != nil {
		slog.Error("release lock after abort", "phone", phone, "error", err)
	}
}

// staleCompletion records that a worker finished after losing its lock to a
// force-release. The batch was dispatched but another worker now owns the
// buffer, so the sender may receive a duplicate reply.
func (m *Manager) staleCompletion(ctx context.Context, phone, owner string) {
	slog.Warn("stale completion, lock no longer held", "phone", phone, "owner", owner)
	m.alerts.Raise(ctx, store.AlertStaleCompletion, phone,
		fmt.Sprintf("worker %s finished after losing its lock", owner))
}

// CombineMessages flattens a batch into the single prompt handed to the AI
// layer, one timestamped line per message.
func CombineMessages(msgs []store.Interaction) string {
	var b strings.Builder
	for i, msg := range msgs {
		if i > 0 {
			b.WriteByte('\n')
		}
		fmt.Fprintf(&b, "[%s] %s", msg.Timestamp.Format("15:04:05"), msg.Message)
	}
	return b.String()
}
