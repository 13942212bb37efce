// Package postgres is a durable store.Storage backed by a single
// key/value table, with schema migrations embedded in the binary.
package postgres

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/sirupsen/logrus"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store is a Postgres-backed store.Storage: one row per key. Keys are not
// namespaced, so every SessionStore over the same Store shares the single
// "connection" row; one Store holds one ConnectionRecord.
type Store struct {
	pool *pgxpool.Pool
	log  *logrus.Entry
}

// New connects to postgresURI, runs pending migrations, and returns a
// ready Store.
func New(ctx context.Context, postgresURI string) (*Store, error) {
	log := logrus.WithField("prefix", "postgres.Store")

	if err := migrateUp(postgresURI); err != nil {
		return nil, fmt.Errorf("postgres: migrate: %w", err)
	}

	pool, err := pgxpool.Connect(ctx, postgresURI)
	if err != nil {
		return nil, fmt.Errorf("postgres: connect: %w", err)
	}

	log.Info("connected")
	return &Store{pool: pool, log: log}, nil
}

func migrateUp(postgresURI string) error {
	d, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return err
	}
	m, err := migrate.NewWithSourceInstance("iofs", d, postgresURI)
	if err != nil {
		return err
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}
	return nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

func (s *Store) GetItem(ctx context.Context, key, def string) (string, error) {
	var value string
	err := s.pool.QueryRow(ctx, `SELECT value FROM connection_records WHERE key = $1`, key).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return def, nil
	}
	if err != nil {
		return "", fmt.Errorf("postgres: get %s: %w", key, err)
	}
	return value, nil
}

func (s *Store) SetItem(ctx context.Context, key, value string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO connection_records (key, value, updated_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = EXCLUDED.updated_at
	`, key, value, time.Now())
	if err != nil {
		return fmt.Errorf("postgres: set %s: %w", key, err)
	}
	return nil
}

func (s *Store) RemoveItem(ctx context.Context, key string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM connection_records WHERE key = $1`, key)
	if err != nil {
		return fmt.Errorf("postgres: remove %s: %w", key, err)
	}
	return nil
}
