// Package pg implements the managed store backend on Postgres.
//
// Lock acquisition and the owner-conditional release/delete paths use
// conditional UPDATE/DELETE statements, so per-record mutual exclusion holds
// across multiple gateway processes sharing one database.
package pg

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/nutriflow/zapgate/internal/store"
)

// OpenDB opens a Postgres connection pool via the pgx stdlib driver.
func OpenDB(dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return db, nil
}

// NewStores creates all stores backed by Postgres.
func NewStores(cfg store.StoreConfig) (*store.Stores, error) {
	db, err := OpenDB(cfg.PostgresDSN)
	if err != nil {
		return nil, err
	}
	return &store.Stores{
		Buffers:      NewBufferStore(db),
		Interactions: NewInteractionStore(db),
		Contacts:     NewContactStore(db),
		Alerts:       NewAlertStore(db),
	}, nil
}
