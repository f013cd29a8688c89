package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/nutriflow/zapgate/internal/store"
)

// InteractionStore implements store.InteractionStore backed by Postgres.
type InteractionStore struct {
	db *sql.DB
}

func NewInteractionStore(db *sql.DB) *InteractionStore {
	return &InteractionStore{db: db}
}

func (s *InteractionStore) Append(ctx context.Context, it store.Interaction) error {
	if it.Timestamp.IsZero() {
		it.Timestamp = time.Now()
	}
	var meta []byte
	if len(it.Metadata) > 0 {
		meta, _ = json.Marshal(it.Metadata)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO interactions (id, phone, agent, message, direction, ts, metadata)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		uuid.Must(uuid.NewV7()), it.Phone, it.Agent, it.Message, it.Direction, it.Timestamp, meta)
	if err != nil {
		return fmt.Errorf("append interaction %s: %w", it.Phone, err)
	}
	return nil
}

func (s *InteractionStore) IncomingBetween(ctx context.Context, phone string, since, until time.Time) ([]store.Interaction, error) {
	return s.query(ctx,
		`SELECT phone, agent, message, direction, ts, metadata FROM interactions
		 WHERE phone = $1 AND direction = $2 AND ts >= $3 AND ts < $4
		 ORDER BY ts`,
		phone, store.DirectionIncoming, since, until)
}

func (s *InteractionStore) Recent(ctx context.Context, phone string, limit int) ([]store.Interaction, error) {
	if limit <= 0 {
		limit = 50
	}
	items, err := s.query(ctx,
		`SELECT phone, agent, message, direction, ts, metadata FROM
		   (SELECT * FROM interactions WHERE phone = $1 ORDER BY ts DESC LIMIT $2) sub
		 ORDER BY ts`,
		phone, limit)
	return items, err
}

func (s *InteractionStore) RecentAll(ctx context.Context, limit int) ([]store.Interaction, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.query(ctx,
		`SELECT phone, agent, message, direction, ts, metadata FROM interactions
		 ORDER BY ts DESC LIMIT $1`, limit)
}

func (s *InteractionStore) query(ctx context.Context, q string, args ...interface{}) ([]store.Interaction, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []store.Interaction
	for rows.Next() {
		var it store.Interaction
		var meta []byte
		if err := rows.Scan(&it.Phone, &it.Agent, &it.Message, &it.Direction, &it.Timestamp, &meta); err != nil {
			return nil, err
		}
		if len(meta) > 0 {
			json.Unmarshal(meta, &it.Metadata)
		}
		result = append(result, it)
	}
	return result, rows.Err()
}
