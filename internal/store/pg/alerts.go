package pg

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/nutriflow/zapgate/internal/store"
)

// AlertStore implements store.AlertStore backed by Postgres.
type AlertStore struct {
	db *sql.DB
}

func NewAlertStore(db *sql.DB) *AlertStore {
	return &AlertStore{db: db}
}

func (s *AlertStore) Create(ctx context.Context, typ, phone, details string) (*store.Alert, error) {
	a := store.Alert{
		ID:      uuid.Must(uuid.NewV7()).String(),
		Type:    typ,
		Phone:   phone,
		Details: details,
		Created: time.Now(),
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO alerts (id, type, phone, details, created_at) VALUES ($1, $2, $3, $4, $5)`,
		a.ID, a.Type, a.Phone, a.Details, a.Created)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (s *AlertStore) List(ctx context.Context, limit int) ([]store.Alert, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, type, phone, details, created_at FROM alerts ORDER BY created_at DESC LIMIT $1`,
		limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []store.Alert
	for rows.Next() {
		var a store.Alert
		var phone, details sql.NullString
		if err := rows.Scan(&a.ID, &a.Type, &phone, &details, &a.Created); err != nil {
			return nil, err
		}
		a.Phone = phone.String
		a.Details = details.String
		result = append(result, a)
	}
	return result, rows.Err()
}
