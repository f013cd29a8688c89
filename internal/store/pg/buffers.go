package pg

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/nutriflow/zapgate/internal/store"
)

// BufferStore implements store.BufferStore backed by Postgres.
type BufferStore struct {
	db *sql.DB
}

func NewBufferStore(db *sql.DB) *BufferStore {
	return &BufferStore{db: db}
}

const bufferColumns = `phone, last_message_at, expires_at, created_at, updated_at,
	processing, locked_at, locked_by, retry_count`

func (s *BufferStore) Upsert(ctx context.Context, u store.BufferUpsert) (*store.BufferRecord, error) {
	now := time.Now()
	row := s.db.QueryRowContext(ctx,
		`INSERT INTO message_buffers (phone, last_message_at, expires_at, created_at, updated_at, processing, retry_count)
		 VALUES ($1, $2, $3, $2, $4, $5, $6)
		 ON CONFLICT (phone) DO UPDATE SET
			last_message_at = EXCLUDED.last_message_at,
			expires_at = EXCLUDED.expires_at,
			retry_count = EXCLUDED.retry_count,
			updated_at = EXCLUDED.updated_at
		 RETURNING `+bufferColumns,
		u.Phone, u.LastMessageAt, u.ExpiresAt, now, u.Processing, u.RetryCount,
	)
	rec, err := scanBuffer(row)
	if err != nil {
		return nil, fmt.Errorf("upsert buffer %s: %w", u.Phone, err)
	}
	return rec, nil
}

func (s *BufferStore) Get(ctx context.Context, phone string) (*store.BufferRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+bufferColumns+` FROM message_buffers WHERE phone = $1`, phone)
	rec, err := scanBuffer(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get buffer %s: %w", phone, err)
	}
	return rec, nil
}

func (s *BufferStore) Delete(ctx context.Context, phone string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM message_buffers WHERE phone = $1`, phone)
	return err
}

func (s *BufferStore) DeleteIfOwner(ctx context.Context, phone, owner string, cutoff time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM message_buffers
		 WHERE phone = $1 AND processing AND locked_by = $2 AND last_message_at < $3`,
		phone, owner, cutoff)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *BufferStore) AcquireLock(ctx context.Context, phone, owner string, now time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE message_buffers
		 SET processing = TRUE, locked_at = $3, locked_by = $2, updated_at = $3
		 WHERE phone = $1 AND NOT processing`,
		phone, owner, now)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *BufferStore) ReleaseLock(ctx context.Context, phone string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE message_buffers
		 SET processing = FALSE, locked_at = NULL, locked_by = NULL, updated_at = NOW()
		 WHERE phone = $1`, phone)
	return err
}

func (s *BufferStore) ReleaseLockIfOwner(ctx context.Context, phone, owner string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE message_buffers
		 SET processing = FALSE, locked_at = NULL, locked_by = NULL, updated_at = NOW()
		 WHERE phone = $1 AND processing AND locked_by = $2`,
		phone, owner)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *BufferStore) Requeue(ctx context.Context, phone, owner string, cutoff time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE message_buffers
		 SET processing = FALSE, locked_at = NULL, locked_by = NULL,
			created_at = $3, updated_at = NOW()
		 WHERE phone = $1 AND processing AND locked_by = $2`,
		phone, owner, cutoff)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *BufferStore) IncrementRetry(ctx context.Context, phone string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE message_buffers SET retry_count = retry_count + 1, updated_at = NOW() WHERE phone = $1`,
		phone)
	return err
}

func (s *BufferStore) ForceExpire(ctx context.Context, phone string, now time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE message_buffers SET expires_at = $2, updated_at = $2 WHERE phone = $1`,
		phone, now)
	return err
}

func (s *BufferStore) ListExpired(ctx context.Context, now time.Time) ([]store.BufferRecord, error) {
	return s.query(ctx,
		`SELECT `+bufferColumns+` FROM message_buffers
		 WHERE NOT processing AND expires_at <= $1 ORDER BY expires_at`, now)
}

func (s *BufferStore) ListStuckLocks(ctx context.Context, threshold time.Time) ([]store.BufferRecord, error) {
	return s.query(ctx,
		`SELECT `+bufferColumns+` FROM message_buffers
		 WHERE processing AND locked_at < $1 ORDER BY locked_at`, threshold)
}

func (s *BufferStore) ListUnprocessed(ctx context.Context, threshold time.Time) ([]store.BufferRecord, error) {
	return s.query(ctx,
		`SELECT `+bufferColumns+` FROM message_buffers
		 WHERE NOT processing AND expires_at < $1 ORDER BY expires_at`, threshold)
}

func (s *BufferStore) ListHighRetry(ctx context.Context, min int) ([]store.BufferRecord, error) {
	return s.query(ctx,
		`SELECT `+bufferColumns+` FROM message_buffers
		 WHERE retry_count >= $1 ORDER BY retry_count DESC`, min)
}

func (s *BufferStore) List(ctx context.Context) ([]store.BufferRecord, error) {
	return s.query(ctx,
		`SELECT `+bufferColumns+` FROM message_buffers ORDER BY expires_at`)
}

func (s *BufferStore) query(ctx context.Context, q string, args ...interface{}) ([]store.BufferRecord, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []store.BufferRecord
	for rows.Next() {
		rec, err := scanBuffer(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *rec)
	}
	return result, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanBuffer(row rowScanner) (*store.BufferRecord, error) {
	var rec store.BufferRecord
	var lockedAt sql.NullTime
	var lockedBy sql.NullString

	err := row.Scan(&rec.Phone, &rec.LastMessageAt, &rec.ExpiresAt, &rec.CreatedAt,
		&rec.UpdatedAt, &rec.Processing, &lockedAt, &lockedBy, &rec.RetryCount)
	if err != nil {
		return nil, err
	}
	if lockedAt.Valid {
		t := lockedAt.Time
		rec.LockedAt = &t
	}
	rec.LockedBy = lockedBy.String
	return &rec, nil
}
