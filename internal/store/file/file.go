// Package file implements the standalone store backend: one JSON document
// per record under a data directory, guarded by a store-wide mutex.
//
// Compound read-modify-write sequences are only atomic within a single
// process. Running several gateway processes against the same data directory
// is not supported — use the Postgres backend for that.
package file

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/nutriflow/zapgate/internal/store"
)

// NewStores creates all file-backed stores rooted at dataDir.
func NewStores(dataDir string) (*store.Stores, error) {
	buffers, err := NewBufferStore(filepath.Join(dataDir, "buffers"))
	if err != nil {
		return nil, fmt.Errorf("buffer store: %w", err)
	}
	interactions, err := NewInteractionStore(filepath.Join(dataDir, "interactions"))
	if err != nil {
		return nil, fmt.Errorf("interaction store: %w", err)
	}
	contacts, err := NewContactStore(filepath.Join(dataDir, "contacts"))
	if err != nil {
		return nil, fmt.Errorf("contact store: %w", err)
	}
	alerts, err := NewAlertStore(filepath.Join(dataDir, "alerts.json"))
	if err != nil {
		return nil, fmt.Errorf("alert store: %w", err)
	}
	return &store.Stores{
		Buffers:      buffers,
		Interactions: interactions,
		Contacts:     contacts,
		Alerts:       alerts,
	}, nil
}

// sanitizeKey turns a phone number into a safe filename component.
func sanitizeKey(phone string) string {
	s := strings.ReplaceAll(phone, "+", "")
	s = strings.ReplaceAll(s, ":", "_")
	return s
}

// writeJSONFile persists v atomically: temp file → fsync → rename.
func writeJSONFile(dir, name string, v interface{}) error {
	if name == "" || name == "." || !filepath.IsLocal(name) || strings.ContainsAny(name, `/\`) {
		return os.ErrInvalid
	}

	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, name+"-*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	cleanup := true
	defer func() {
		if cleanup {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	tmp.Close()

	if err := os.Rename(tmpPath, filepath.Join(dir, name+".json")); err != nil {
		return err
	}
	cleanup = false
	return nil
}

func removeJSONFile(dir, name string) error {
	if err := os.Remove(filepath.Join(dir, name+".json")); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
