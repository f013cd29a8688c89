package store

import (
	"context"
	"time"
)

// BufferUpsert carries the fields the intake path writes on every message.
// CreatedAt and the lock fields are managed by the store (preserved on
// update, initialized on create) — callers never set them directly.
type BufferUpsert struct {
	Phone         string
	LastMessageAt time.Time
	ExpiresAt     time.Time
	Processing    bool
	RetryCount    int
}

// BufferStore is CRUD plus lock coordination over buffer records.
//
// All single-record mutations are atomic: the file backend serializes them
// under a store-wide mutex (single-process deployments only), the Postgres
// backend uses conditional UPDATEs so multiple gateway processes can share
// one database.
type BufferStore interface {
	// Upsert creates the record (CreatedAt = LastMessageAt) if absent,
	// otherwise updates the listed fields preserving CreatedAt and the
	// lock fields. Returns the record as written.
	Upsert(ctx context.Context, u BufferUpsert) (*BufferRecord, error)

	// Get returns the record, or (nil, nil) if absent.
	Get(ctx context.Context, phone string) (*BufferRecord, error)

	// Delete removes the record. Idempotent: absent is not an error.
	Delete(ctx context.Context, phone string) error

	// DeleteIfOwner removes the record only if it is still locked by owner
	// AND no message arrived at or after cutoff. The overlap check and the
	// delete are one atomic step, so an intake racing the settle path can
	// never have its message removed with the record. Returns false when
	// the lock was reassigned, the record is gone, or overlap traffic
	// landed; callers fall back to Requeue in that case.
	DeleteIfOwner(ctx context.Context, phone, owner string, cutoff time.Time) (bool, error)

	// AcquireLock atomically sets processing=true, locked_at=now,
	// locked_by=owner, but only if the record exists and is unlocked.
	AcquireLock(ctx context.Context, phone, owner string, now time.Time) (bool, error)

	// ReleaseLock unconditionally clears the lock. Idempotent.
	ReleaseLock(ctx context.Context, phone string) error

	// ReleaseLockIfOwner clears the lock only if still held by owner.
	ReleaseLockIfOwner(ctx context.Context, phone, owner string) (bool, error)

	// Requeue completes a batch that saw overlap traffic: clears the lock
	// (owner-conditional) and resets CreatedAt to cutoff so the next sweep
	// collects only messages from cutoff onward.
	Requeue(ctx context.Context, phone, owner string, cutoff time.Time) (bool, error)

	// IncrementRetry bumps the retry counter after a failed dispatch.
	IncrementRetry(ctx context.Context, phone string) error

	// ForceExpire pulls ExpiresAt back to now so the next sweep claims the
	// buffer immediately. No-op if the record is absent.
	ForceExpire(ctx context.Context, phone string, now time.Time) error

	// ListExpired returns unlocked records with ExpiresAt <= now.
	ListExpired(ctx context.Context, now time.Time) ([]BufferRecord, error)

	// ListStuckLocks returns locked records with LockedAt < threshold.
	ListStuckLocks(ctx context.Context, threshold time.Time) ([]BufferRecord, error)

	// ListUnprocessed returns unlocked records whose expiry passed before
	// threshold — buffers the normal sweep should have claimed already.
	ListUnprocessed(ctx context.Context, threshold time.Time) ([]BufferRecord, error)

	// ListHighRetry returns records with RetryCount >= min.
	ListHighRetry(ctx context.Context, min int) ([]BufferRecord, error)

	// List returns all records (admin surface).
	List(ctx context.Context) ([]BufferRecord, error)
}

// InteractionStore is the append-only conversation log.
type InteractionStore interface {
	Append(ctx context.Context, it Interaction) error

	// IncomingBetween returns incoming interactions for phone with
	// since <= Timestamp < until, ordered by timestamp ascending.
	IncomingBetween(ctx context.Context, phone string, since, until time.Time) ([]Interaction, error)

	// Recent returns the last limit interactions for phone (both
	// directions), ordered oldest first.
	Recent(ctx context.Context, phone string, limit int) ([]Interaction, error)

	// RecentAll returns the last limit interactions across all phones,
	// newest first (dashboard feed).
	RecentAll(ctx context.Context, limit int) ([]Interaction, error)
}

// ContactStore holds lead/client records for persona routing.
type ContactStore interface {
	// Get returns the contact, or (nil, nil) if unknown.
	Get(ctx context.Context, phone string) (*Contact, error)

	Put(ctx context.Context, c Contact) error

	// EnsureLead creates a lead record for an unknown phone. Existing
	// contacts (lead or client) are returned unchanged.
	EnsureLead(ctx context.Context, phone, name, source string) (*Contact, error)

	// ConvertToClient promotes a lead to client.
	ConvertToClient(ctx context.Context, phone string) error

	// SetEscalated flags/unflags the contact for human takeover.
	SetEscalated(ctx context.Context, phone string, escalated bool) error

	List(ctx context.Context, kind string) ([]Contact, error)

	Stats(ctx context.Context) (ConversionStats, error)
}

// AlertStore persists operator alerts.
type AlertStore interface {
	Create(ctx context.Context, typ, phone, details string) (*Alert, error)
	List(ctx context.Context, limit int) ([]Alert, error)
}

// Stores bundles all store implementations for one backend.
type Stores struct {
	Buffers      BufferStore
	Interactions InteractionStore
	Contacts     ContactStore
	Alerts       AlertStore
}

// StoreConfig carries backend selection and credentials.
type StoreConfig struct {
	PostgresDSN string
	DataDir     string
}
