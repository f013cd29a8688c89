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

// InteractionStore implements store.InteractionStore with one JSON array file
// per phone. The log is append-only; files are rewritten atomically on append.
type InteractionStore struct {
	mu  sync.Mutex
	dir string
	log map[string][]store.Interaction
}

// NewInteractionStore loads existing interaction logs from dir.
func NewInteractionStore(dir string) (*InteractionStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}
	s := &InteractionStore{
		dir: dir,
		log: make(map[string][]store.Interaction),
	}
	s.loadAll()
	return s, nil
}

func (s *InteractionStore) loadAll() {
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
		var items []store.Interaction
		if err := json.Unmarshal(data, &items); err != nil || len(items) == 0 {
			continue
		}
		s.log[items[0].Phone] = items
	}
}

func (s *InteractionStore) Append(_ context.Context, it store.Interaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if it.Timestamp.IsZero() {
		it.Timestamp = time.Now()
	}
	items := append(s.log[it.Phone], it)
	s.log[it.Phone] = items

	if err := writeJSONFile(s.dir, sanitizeKey(it.Phone), items); err != nil {
		return fmt.Errorf("persist interactions %s: %w", it.Phone, err)
	}
	return nil
}

func (s *InteractionStore) IncomingBetween(_ context.Context, phone string, since, until time.Time) ([]store.Interaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var result []store.Interaction
	for _, it := range s.log[phone] {
		if it.Direction != store.DirectionIncoming {
			continue
		}
		if it.Timestamp.Before(since) || !it.Timestamp.Before(until) {
			continue
		}
		result = append(result, it)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].Timestamp.Before(result[j].Timestamp)
	})
	return result, nil
}

func (s *InteractionStore) Recent(_ context.Context, phone string, limit int) ([]store.Interaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	items := s.log[phone]
	if limit > 0 && len(items) > limit {
		items = items[len(items)-limit:]
	}
	result := make([]store.Interaction, len(items))
	copy(result, items)
	return result, nil
}

func (s *InteractionStore) RecentAll(_ context.Context, limit int) ([]store.Interaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var all []store.Interaction
	for _, items := range s.log {
		all = append(all, items...)
	}
	sort.Slice(all, func(i, j int) bool {
		return all[i].Timestamp.After(all[j].Timestamp)
	})
	if limit > 0 && len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}
