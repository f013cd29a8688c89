package pg

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/nutriflow/zapgate/internal/store"
)

// ContactStore implements store.ContactStore backed by Postgres.
type ContactStore struct {
	db *sql.DB
}

func NewContactStore(db *sql.DB) *ContactStore {
	return &ContactStore{db: db}
}

func (s *ContactStore) Get(ctx context.Context, phone string) (*store.Contact, error) {
	var c store.Contact
	var name, source, status sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT phone, name, kind, source, status, needs_human_support, created_at, updated_at
		 FROM contacts WHERE phone = $1`, phone,
	).Scan(&c.Phone, &name, &c.Kind, &source, &status, &c.NeedsHumanSupport, &c.Created, &c.Updated)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get contact %s: %w", phone, err)
	}
	c.Name = name.String
	c.Source = source.String
	c.Status = status.String
	return &c, nil
}

func (s *ContactStore) Put(ctx context.Context, c store.Contact) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO contacts (phone, name, kind, source, status, needs_human_support, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, NOW(), NOW())
		 ON CONFLICT (phone) DO UPDATE SET
			name = EXCLUDED.name, kind = EXCLUDED.kind, source = EXCLUDED.source,
			status = EXCLUDED.status, needs_human_support = EXCLUDED.needs_human_support,
			updated_at = NOW()`,
		c.Phone, c.Name, c.Kind, c.Source, c.Status, c.NeedsHumanSupport)
	return err
}

func (s *ContactStore) EnsureLead(ctx context.Context, phone, name, source string) (*store.Contact, error) {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO contacts (phone, name, kind, source, status, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, 'active', NOW(), NOW())
		 ON CONFLICT (phone) DO NOTHING`,
		phone, name, store.KindLead, source)
	if err != nil {
		return nil, fmt.Errorf("ensure lead %s: %w", phone, err)
	}
	return s.Get(ctx, phone)
}

func (s *ContactStore) ConvertToClient(ctx context.Context, phone string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE contacts SET kind = $2, status = 'active', updated_at = NOW() WHERE phone = $1`,
		phone, store.KindClient)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("contact %s not found", phone)
	}
	return nil
}

func (s *ContactStore) SetEscalated(ctx context.Context, phone string, escalated bool) error {
	status := "active"
	if escalated {
		status = "pending_human"
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE contacts SET needs_human_support = $2, status = $3, updated_at = NOW() WHERE phone = $1`,
		phone, escalated, status)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("contact %s not found", phone)
	}
	return nil
}

func (s *ContactStore) List(ctx context.Context, kind string) ([]store.Contact, error) {
	q := `SELECT phone, name, kind, source, status, needs_human_support, created_at, updated_at
	      FROM contacts`
	var args []interface{}
	if kind != "" {
		q += ` WHERE kind = $1`
		args = append(args, kind)
	}
	q += ` ORDER BY updated_at DESC`

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []store.Contact
	for rows.Next() {
		var c store.Contact
		var name, source, status sql.NullString
		if err := rows.Scan(&c.Phone, &name, &c.Kind, &source, &status,
			&c.NeedsHumanSupport, &c.Created, &c.Updated); err != nil {
			return nil, err
		}
		c.Name = name.String
		c.Source = source.String
		c.Status = status.String
		result = append(result, c)
	}
	return result, rows.Err()
}

func (s *ContactStore) Stats(ctx context.Context) (store.ConversionStats, error) {
	var stats store.ConversionStats
	err := s.db.QueryRowContext(ctx,
		`SELECT
		   COUNT(*) FILTER (WHERE kind = $1),
		   COUNT(*) FILTER (WHERE kind = $2)
		 FROM contacts`,
		store.KindLead, store.KindClient,
	).Scan(&stats.TotalLeads, &stats.ActiveClients)
	if err != nil {
		return stats, err
	}
	if total := stats.TotalLeads + stats.ActiveClients; total > 0 {
		stats.ConversionRate = float64(stats.ActiveClients) / float64(total) * 100
	}
	return stats, nil
}
