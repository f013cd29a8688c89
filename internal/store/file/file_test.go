package file

import (
	"context"
	"testing"
	"time"

	"github.com/nutriflow/zapgate/internal/store"
)

func newStores(t *testing.T) (*store.Stores, string) {
	t.Helper()
	dir := t.TempDir()
	stores, err := NewStores(dir)
	if err != nil {
		t.Fatalf("NewStores: %v", err)
	}
	return stores, dir
}

func seedBuffer(t *testing.T, s store.BufferStore, phone string, at time.Time) *store.BufferRecord {
	t.Helper()
	rec, err := s.Upsert(context.Background(), store.BufferUpsert{
		Phone:         phone,
		LastMessageAt: at,
		ExpiresAt:     at.Add(15 * time.Second),
	})
	if err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	return rec
}

func TestBufferPersistenceAcrossReload(t *testing.T) {
	stores, dir := newStores(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)

	seedBuffer(t, stores.Buffers, "+5511900000000", now)
	if ok, err := stores.Buffers.AcquireLock(ctx, "+5511900000000", "w1", now); err != nil || !ok {
		t.Fatalf("AcquireLock: ok=%v err=%v", ok, err)
	}

	// Simulate a process restart.
	reloaded, err := NewStores(dir)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	rec, err := reloaded.Buffers.Get(ctx, "+5511900000000")
	if err != nil || rec == nil {
		t.Fatalf("Get after reload: rec=%v err=%v", rec, err)
	}
	if !rec.Processing || rec.LockedBy != "w1" {
		t.Errorf("lock state lost across reload: %+v", rec)
	}
	if !rec.ExpiresAt.Equal(now.Add(15 * time.Second)) {
		t.Errorf("ExpiresAt = %v", rec.ExpiresAt)
	}
}

func TestBufferDeleteIdempotent(t *testing.T) {
	stores, _ := newStores(t)
	ctx := context.Background()

	seedBuffer(t, stores.Buffers, "+5511900000000", time.Now())
	if err := stores.Buffers.Delete(ctx, "+5511900000000"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := stores.Buffers.Delete(ctx, "+5511900000000"); err != nil {
		t.Errorf("second Delete must be a no-op, got %v", err)
	}
	if err := stores.Buffers.Delete(ctx, "+5511999999999"); err != nil {
		t.Errorf("Delete of unknown phone must be a no-op, got %v", err)
	}
}

func TestOwnerConditionalMutations(t *testing.T) {
	stores, _ := newStores(t)
	ctx := context.Background()
	now := time.Now()

	seedBuffer(t, stores.Buffers, "+5511900000000", now)
	if ok, _ := stores.Buffers.AcquireLock(ctx, "+5511900000000", "w1", now); !ok {
		t.Fatal("AcquireLock should succeed")
	}

	// A second acquire must fail while locked.
	if ok, _ := stores.Buffers.AcquireLock(ctx, "+5511900000000", "w2", now); ok {
		t.Fatal("lock acquired twice")
	}

	// The wrong owner cannot release, delete, or requeue.
	if ok, _ := stores.Buffers.ReleaseLockIfOwner(ctx, "+5511900000000", "w2"); ok {
		t.Error("ReleaseLockIfOwner with wrong owner must fail")
	}
	if ok, _ := stores.Buffers.DeleteIfOwner(ctx, "+5511900000000", "w2", now.Add(time.Hour)); ok {
		t.Error("DeleteIfOwner with wrong owner must fail")
	}
	if ok, _ := stores.Buffers.Requeue(ctx, "+5511900000000", "w2", now); ok {
		t.Error("Requeue with wrong owner must fail")
	}

	// The holder can requeue; the lock clears and CreatedAt moves to cutoff.
	cutoff := now.Add(20 * time.Second)
	if ok, err := stores.Buffers.Requeue(ctx, "+5511900000000", "w1", cutoff); err != nil || !ok {
		t.Fatalf("Requeue: ok=%v err=%v", ok, err)
	}
	rec, _ := stores.Buffers.Get(ctx, "+5511900000000")
	if rec.Processing || rec.LockedBy != "" || rec.LockedAt != nil {
		t.Errorf("requeue must clear the lock: %+v", rec)
	}
	if !rec.CreatedAt.Equal(cutoff) {
		t.Errorf("CreatedAt = %v, want cutoff %v", rec.CreatedAt, cutoff)
	}

	// After release, owner-conditional ops against the old owner fail.
	if ok, _ := stores.Buffers.DeleteIfOwner(ctx, "+5511900000000", "w1", now.Add(time.Hour)); ok {
		t.Error("DeleteIfOwner must fail after the lock was cleared")
	}
}

func TestDeleteIfOwnerKeepsOverlap(t *testing.T) {
	stores, _ := newStores(t)
	ctx := context.Background()
	now := time.Now()
	phone := "+5511900000000"

	seedBuffer(t, stores.Buffers, phone, now)
	if ok, _ := stores.Buffers.AcquireLock(ctx, phone, "w1", now); !ok {
		t.Fatal("AcquireLock should succeed")
	}
	cutoff := now.Add(5 * time.Second)

	// An intake lands after the worker's cutoff while the lock is held.
	if _, err := stores.Buffers.Upsert(ctx, store.BufferUpsert{
		Phone:         phone,
		LastMessageAt: cutoff.Add(time.Second),
		ExpiresAt:     cutoff.Add(16 * time.Second),
	}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	// The delete must refuse even for the lock holder; the record now
	// seeds the next batch.
	if ok, err := stores.Buffers.DeleteIfOwner(ctx, phone, "w1", cutoff); err != nil || ok {
		t.Fatalf("DeleteIfOwner: ok=%v err=%v, want refusal on overlap", ok, err)
	}
	rec, _ := stores.Buffers.Get(ctx, phone)
	if rec == nil {
		t.Fatal("record deleted despite overlap message")
	}

	// Without overlap the same call succeeds.
	if ok, err := stores.Buffers.DeleteIfOwner(ctx, phone, "w1", cutoff.Add(2*time.Second)); err != nil || !ok {
		t.Fatalf("DeleteIfOwner past the overlap: ok=%v err=%v", ok, err)
	}
}

func TestUpsertPreservesLockAndCreatedAt(t *testing.T) {
	stores, _ := newStores(t)
	ctx := context.Background()
	now := time.Now()

	first := seedBuffer(t, stores.Buffers, "+5511900000000", now)
	if ok, _ := stores.Buffers.AcquireLock(ctx, "+5511900000000", "w1", now); !ok {
		t.Fatal("AcquireLock should succeed")
	}

	later := now.Add(5 * time.Second)
	rec, err := stores.Buffers.Upsert(ctx, store.BufferUpsert{
		Phone:         "+5511900000000",
		LastMessageAt: later,
		ExpiresAt:     later.Add(15 * time.Second),
	})
	if err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if !rec.Processing || rec.LockedBy != "w1" {
		t.Errorf("intake upsert must not touch the lock: %+v", rec)
	}
	if !rec.CreatedAt.Equal(first.CreatedAt) {
		t.Errorf("CreatedAt changed on update: %v -> %v", first.CreatedAt, rec.CreatedAt)
	}
	if !rec.LastMessageAt.Equal(later) {
		t.Errorf("LastMessageAt = %v, want %v", rec.LastMessageAt, later)
	}
}

func TestListExpiredSkipsLocked(t *testing.T) {
	stores, _ := newStores(t)
	ctx := context.Background()
	now := time.Now()

	seedBuffer(t, stores.Buffers, "+5511900000001", now.Add(-time.Minute))
	seedBuffer(t, stores.Buffers, "+5511900000002", now.Add(-time.Minute))
	seedBuffer(t, stores.Buffers, "+5511900000003", now) // not yet expired

	if ok, _ := stores.Buffers.AcquireLock(ctx, "+5511900000002", "w1", now); !ok {
		t.Fatal("AcquireLock should succeed")
	}

	expired, err := stores.Buffers.ListExpired(ctx, now)
	if err != nil {
		t.Fatalf("ListExpired: %v", err)
	}
	if len(expired) != 1 || expired[0].Phone != "+5511900000001" {
		t.Errorf("expired = %+v, want only +5511900000001", expired)
	}
}

func TestIncomingBetweenBoundaries(t *testing.T) {
	stores, _ := newStores(t)
	ctx := context.Background()
	phone := "+5511900000000"
	base := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	for i, it := range []store.Interaction{
		{Phone: phone, Direction: store.DirectionIncoming, Message: "at-since", Timestamp: base},
		{Phone: phone, Direction: store.DirectionIncoming, Message: "inside", Timestamp: base.Add(5 * time.Second)},
		{Phone: phone, Direction: store.DirectionOutgoing, Message: "reply", Timestamp: base.Add(6 * time.Second)},
		{Phone: phone, Direction: store.DirectionIncoming, Message: "at-until", Timestamp: base.Add(10 * time.Second)},
	} {
		if err := stores.Interactions.Append(ctx, it); err != nil {
			t.Fatalf("Append %d: %v", i, err)
		}
	}

	got, err := stores.Interactions.IncomingBetween(ctx, phone, base, base.Add(10*time.Second))
	if err != nil {
		t.Fatalf("IncomingBetween: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d interactions, want 2: %+v", len(got), got)
	}
	if got[0].Message != "at-since" || got[1].Message != "inside" {
		t.Errorf("wrong interval contents: %+v", got)
	}
}

func TestContactLifecycle(t *testing.T) {
	stores, _ := newStores(t)
	ctx := context.Background()
	phone := "+5511900000000"

	c, err := stores.Contacts.EnsureLead(ctx, phone, "Maria", "whatsapp")
	if err != nil {
		t.Fatalf("EnsureLead: %v", err)
	}
	if c.Kind != store.KindLead || c.Name != "Maria" {
		t.Errorf("lead = %+v", c)
	}

	// EnsureLead is idempotent and never downgrades.
	if err := stores.Contacts.ConvertToClient(ctx, phone); err != nil {
		t.Fatalf("ConvertToClient: %v", err)
	}
	c, err = stores.Contacts.EnsureLead(ctx, phone, "Other", "whatsapp")
	if err != nil {
		t.Fatalf("EnsureLead again: %v", err)
	}
	if c.Kind != store.KindClient || c.Name != "Maria" {
		t.Errorf("EnsureLead must not overwrite an existing contact: %+v", c)
	}

	if err := stores.Contacts.SetEscalated(ctx, phone, true); err != nil {
		t.Fatalf("SetEscalated: %v", err)
	}
	c, _ = stores.Contacts.Get(ctx, phone)
	if !c.Escalated() {
		t.Error("contact should be escalated")
	}

	if _, err := stores.Contacts.EnsureLead(ctx, "+5511900000001", "", "whatsapp"); err != nil {
		t.Fatalf("EnsureLead second: %v", err)
	}
	stats, err := stores.Contacts.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.TotalLeads != 1 || stats.ActiveClients != 1 {
		t.Errorf("stats = %+v", stats)
	}
	if stats.ConversionRate != 50 {
		t.Errorf("ConversionRate = %v, want 50", stats.ConversionRate)
	}
}

func TestAlertsNewestFirst(t *testing.T) {
	stores, _ := newStores(t)
	ctx := context.Background()

	for _, typ := range []string{store.AlertBufferStuck, store.AlertBufferProcessError} {
		if _, err := stores.Alerts.Create(ctx, typ, "+5511900000000", "details"); err != nil {
			t.Fatalf("Create: %v", err)
		}
	}

	alerts, err := stores.Alerts.List(ctx, 10)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(alerts) != 2 {
		t.Fatalf("got %d alerts, want 2", len(alerts))
	}
	if alerts[0].Type != store.AlertBufferProcessError {
		t.Errorf("newest alert first, got %+v", alerts)
	}
}
