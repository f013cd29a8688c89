package file

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nutriflow/zapgate/internal/store"
)

// maxStoredAlerts caps the alert log so the file never grows unbounded.
const maxStoredAlerts = 1000

// AlertStore implements store.AlertStore as a single capped JSON array file,
// newest first.
type AlertStore struct {
	mu     sync.Mutex
	path   string
	alerts []store.Alert
}

// NewAlertStore loads the alert log from path.
func NewAlertStore(path string) (*AlertStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, err
	}
	s := &AlertStore{path: path}
	if data, err := os.ReadFile(path); err == nil {
		json.Unmarshal(data, &s.alerts)
	}
	return s, nil
}

func (s *AlertStore) Create(_ context.Context, typ, phone, details string) (*store.Alert, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a := store.Alert{
		ID:      uuid.Must(uuid.NewV7()).String(),
		Type:    typ,
		Phone:   phone,
		Details: details,
		Created: time.Now(),
	}
	s.alerts = append([]store.Alert{a}, s.alerts...)
	if len(s.alerts) > maxStoredAlerts {
		s.alerts = s.alerts[:maxStoredAlerts]
	}

	if err := writeJSONFile(filepath.Dir(s.path), alertFileName(s.path), s.alerts); err != nil {
		return nil, err
	}
	return &a, nil
}

func (s *AlertStore) List(_ context.Context, limit int) ([]store.Alert, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	items := s.alerts
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	result := make([]store.Alert, len(items))
	copy(result, items)
	return result, nil
}

func alertFileName(path string) string {
	base := filepath.Base(path)
	return base[:len(base)-len(filepath.Ext(base))]
}
