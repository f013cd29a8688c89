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

// ContactStore implements store.ContactStore with one JSON file per contact.
type ContactStore struct {
	mu       sync.Mutex
	dir      string
	contacts map[string]*store.Contact
}

// NewContactStore loads existing contacts from dir.
func NewContactStore(dir string) (*ContactStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}
	s := &ContactStore{
		dir:      dir,
		contacts: make(map[string]*store.Contact),
	}
	s.loadAll()
	return s, nil
}

func (s *ContactStore) loadAll() {
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
		var c store.Contact
		if err := json.Unmarshal(data, &c); err != nil {
			continue
		}
		s.contacts[c.Phone] = &c
	}
}

func (s *ContactStore) persist(c *store.Contact) error {
	return writeJSONFile(s.dir, sanitizeKey(c.Phone), c)
}

func (s *ContactStore) Get(_ context.Context, phone string) (*store.Contact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.contacts[phone]
	if !ok {
		return nil, nil
	}
	cp := *c
	return &cp, nil
}

func (s *ContactStore) Put(_ context.Context, c store.Contact) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	if existing, ok := s.contacts[c.Phone]; ok {
		c.Created = existing.Created
	} else if c.Created.IsZero() {
		c.Created = now
	}
	c.Updated = now
	s.contacts[c.Phone] = &c
	if err := s.persist(&c); err != nil {
		return fmt.Errorf("persist contact %s: %w", c.Phone, err)
	}
	return nil
}

func (s *ContactStore) EnsureLead(_ context.Context, phone, name, source string) (*store.Contact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if c, ok := s.contacts[phone]; ok {
		cp := *c
		return &cp, nil
	}

	now := time.Now()
	c := &store.Contact{
		Phone:   phone,
		Name:    name,
		Kind:    store.KindLead,
		Source:  source,
		Status:  "active",
		Created: now,
		Updated: now,
	}
	s.contacts[phone] = c
	if err := s.persist(c); err != nil {
		return nil, fmt.Errorf("persist contact %s: %w", phone, err)
	}
	cp := *c
	return &cp, nil
}

func (s *ContactStore) ConvertToClient(_ context.Context, phone string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.contacts[phone]
	if !ok {
		return fmt.Errorf("contact %s not found", phone)
	}
	c.Kind = store.KindClient
	c.Status = "active"
	c.Updated = time.Now()
	return s.persist(c)
}

func (s *ContactStore) SetEscalated(_ context.Context, phone string, escalated bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.contacts[phone]
	if !ok {
		return fmt.Errorf("contact %s not found", phone)
	}
	c.NeedsHumanSupport = escalated
	if escalated {
		c.Status = "pending_human"
	} else {
		c.Status = "active"
	}
	c.Updated = time.Now()
	return s.persist(c)
}

func (s *ContactStore) List(_ context.Context, kind string) ([]store.Contact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var result []store.Contact
	for _, c := range s.contacts {
		if kind != "" && c.Kind != kind {
			continue
		}
		result = append(result, *c)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].Updated.After(result[j].Updated)
	})
	return result, nil
}

func (s *ContactStore) Stats(_ context.Context) (store.ConversionStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var stats store.ConversionStats
	for _, c := range s.contacts {
		switch c.Kind {
		case store.KindLead:
			stats.TotalLeads++
		case store.KindClient:
			stats.ActiveClients++
		}
	}
	if total := stats.TotalLeads + stats.ActiveClients; total > 0 {
		stats.ConversionRate = float64(stats.ActiveClients) / float64(total) * 100
	}
	return stats, nil
}
