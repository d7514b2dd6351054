// Package db implements every persistence-boundary interface the
// coordinator's domain packages define (wallet.Repository,
// wallet.DepositRepository, security.History, coinjoin.Repository,
// mixengine.Repository, mixengine.AuditRecorder) against a single
// pgx connection pool (spec.md §6 EXTERNAL INTERFACES).
package db

import (
	"context"
	"fmt"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
)

// PostgresStore is the shared connection pool every repository file in
// this package embeds its queries against.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// Connect initializes the connection pool to PostgreSQL using pgx.
func Connect(connStr string) (*PostgresStore, error) {
	pool, err := pgxpool.New(context.Background(), connStr)
	if err != nil {
		return nil, fmt.Errorf("unable to connect to database: %v", err)
	}

	if err := pool.Ping(context.Background()); err != nil {
		return nil, fmt.Errorf("ping failed: %v", err)
	}

	log.Info().Msg("connected to PostgreSQL")
	return &PostgresStore{pool: pool}, nil
}

// Close gracefully closes the connection pool.
func (s *PostgresStore) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// InitSchema loads and executes the schema.sql file.
func (s *PostgresStore) InitSchema() error {
	schemaBytes, err := os.ReadFile("internal/db/schema.sql")
	if err != nil {
		return fmt.Errorf("failed to read schema file: %v", err)
	}

	if _, err := s.pool.Exec(context.Background(), string(schemaBytes)); err != nil {
		return fmt.Errorf("failed to execute schema migrations: %v", err)
	}

	log.Info().Msg("schema initialized")
	return nil
}

// GetPool exposes the connection pool to subsystems that need raw
// access. Nothing in this module calls it.
func (s *PostgresStore) GetPool() *pgxpool.Pool {
	return s.pool
}
