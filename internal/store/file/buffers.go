package file

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/nutriflow/zapgate/internal/store"
)

// BufferStore implements store.BufferStore over per-phone JSON files with an
// in-memory map as the authoritative working set.
type BufferStore struct {
	mu      sync.Mutex
	dir     string
	records map[string]*store.BufferRecord
}

// NewBufferStore loads existing buffer records from dir.
func NewBufferStore(dir string) (*BufferStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}
	s := &BufferStore{
		dir:     dir,
		records: make(map[string]*store.BufferRecord),
	}
	s.loadAll()
	return s, nil
}

func (s *BufferStore) loadAll() {
	files, err := os.ReadDir(s.dir)
	if err != nil {
		return
	}
	for _, f := range files {
		if f.IsDir() || filepath.Ext(f.Name()) != ".json" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.dir, f.Name()))
		if err != nil {
			continue
		}
		var rec store.BufferRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			continue
		}
		s.records[rec.Phone] = &rec
	}
}

// persist must be called with s.mu held.
func (s *BufferStore) persist(rec *store.BufferRecord) error {
	return writeJSONFile(s.dir, sanitizeKey(rec.Phone), rec)
}

func (s *BufferStore) Upsert(_ context.Context, u store.BufferUpsert) (*store.BufferRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	rec, ok := s.records[u.Phone]
	if !ok {
		rec = &store.BufferRecord{
			Phone:     u.Phone,
			CreatedAt: u.LastMessageAt,
		}
		s.records[u.Phone] = rec
	}
	rec.LastMessageAt = u.LastMessageAt
	rec.ExpiresAt = u.ExpiresAt
	rec.RetryCount = u.RetryCount
	rec.UpdatedAt = now
	if !ok {
		// Lock fields only initialize on create; updates preserve them.
		rec.Processing = u.Processing
	}

	if err := s.persist(rec); err != nil {
		return nil, fmt.Errorf("persist buffer %s: %w", u.Phone, err)
	}
	cp := *rec
	return &cp, nil
}

func (s *BufferStore) Get(_ context.Context, phone string) (*store.BufferRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[phone]
	if !ok {
		return nil, nil
	}
	cp := *rec
	return &cp, nil
}

func (s *BufferStore) Delete(_ context.Context, phone string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.records, phone)
	return removeJSONFile(s.dir, sanitizeKey(phone))
}

func (s *BufferStore) DeleteIfOwner(_ context.Context, phone, owner string, cutoff time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[phone]
	if !ok || !rec.Processing || rec.LockedBy != owner {
		return false, nil
	}
	if !rec.LastMessageAt.Before(cutoff) {
		// Overlap traffic landed after the caller's cutoff; the record
		// must survive as the seed of the next batch.
		return false, nil
	}
	delete(s.records, phone)
	return true, removeJSONFile(s.dir, sanitizeKey(phone))
}

func (s *BufferStore) AcquireLock(_ context.Context, phone, owner string, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[phone]
	if !ok || rec.Processing {
		return false, nil
	}
	lockedAt := now
	rec.Processing = true
	rec.LockedAt = &lockedAt
	rec.LockedBy = owner
	rec.UpdatedAt = now
	return true, s.persist(rec)
}

func (s *BufferStore) ReleaseLock(_ context.Context, phone string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[phone]
	if !ok || !rec.Processing {
		return nil
	}
	s.unlock(rec)
	return s.persist(rec)
}

func (s *BufferStore) ReleaseLockIfOwner(_ context.Context, phone, owner string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[phone]
	if !ok || !rec.Processing || rec.LockedBy != owner {
		return false, nil
	}
	s.unlock(rec)
	return true, s.persist(rec)
}

func (s *BufferStore) Requeue(_ context.Context, phone, owner string, cutoff time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[phone]
	if !ok || !rec.Processing || rec.LockedBy != owner {
		return false, nil
	}
	s.unlock(rec)
	rec.CreatedAt = cutoff
	return true, s.persist(rec)
}

// unlock must be called with s.mu held.
func (s *BufferStore) unlock(rec *store.BufferRecord) {
	rec.Processing = false
	rec.LockedAt = nil
	rec.LockedBy = ""
	rec.UpdatedAt = time.Now()
}

func (s *BufferStore) IncrementRetry(_ context.Context, phone string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[phone]
	if !ok {
		return nil
	}
	rec.RetryCount++
	rec.UpdatedAt = time.Now()
	return s.persist(rec)
}

func (s *BufferStore) ForceExpire(_ context.Context, phone string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[phone]
	if !ok {
		return nil
	}
	rec.ExpiresAt = now
	rec.UpdatedAt = now
	return s.persist(rec)
}

func (s *BufferStore) ListExpired(_ context.Context, now time.Time) ([]store.BufferRecord, error) {
	return s.filter(func(r *store.BufferRecord) bool {
		return !r.Processing && !r.ExpiresAt.After(now)
	}), nil
}

func (s *BufferStore) ListStuckLocks(_ context.Context, threshold time.Time) ([]store.BufferRecord, error) {
	return s.filter(func(r *store.BufferRecord) bool {
		return r.Processing && r.LockedAt != nil && r.LockedAt.Before(threshold)
	}), nil
}

func (s *BufferStore) ListUnprocessed(_ context.Context, threshold time.Time) ([]store.BufferRecord, error) {
	return s.filter(func(r *store.BufferRecord) bool {
		return !r.Processing && r.ExpiresAt.Before(threshold)
	}), nil
}

func (s *BufferStore) ListHighRetry(_ context.Context, min int) ([]store.BufferRecord, error) {
	return s.filter(func(r *store.BufferRecord) bool {
		return r.RetryCount >= min
	}), nil
}

func (s *BufferStore) List(_ context.Context) ([]store.BufferRecord, error) {
	return s.filter(func(*store.BufferRecord) bool { return true }), nil
}

func (s *BufferStore) filter(keep func(*store.BufferRecord) bool) []store.BufferRecord {
	s.mu.Lock()
	defer s.mu.Unlock()

	var result []store.BufferRecord
	for _, rec := range s.records {
		if keep(rec) {
			result = append(result, *rec)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].ExpiresAt.Before(result[j].ExpiresAt)
	})
	return result
}
