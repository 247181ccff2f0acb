package collab

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresDocumentStore keeps one row per (room, path) with the latest
// materialized content.
type PostgresDocumentStore struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

const documentsSchema = `
CREATE TABLE IF NOT EXISTS documents (
	room_token TEXT NOT NULL,
	path       TEXT NOT NULL,
	content    TEXT NOT NULL DEFAULT '',
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (room_token, path)
)`

// NewPostgresDocumentStore connects, pings, and ensures the documents table
// exists.
func NewPostgresDocumentStore(ctx context.Context, url string, logger *slog.Logger) (*PostgresDocumentStore, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, documentsSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ensure documents table: %w", err)
	}
	return &PostgresDocumentStore{
		pool:   pool,
		logger: logger.With(slog.String("component", "document_store_postgres")),
	}, nil
}

var _ DocumentStore = (*PostgresDocumentStore)(nil)

func (s *PostgresDocumentStore) Load(ctx context.Context, roomToken, path string) (string, error) {
	var content string
	err := s.pool.QueryRow(ctx,
		`SELECT content FROM documents WHERE room_token = $1 AND path = $2`,
		roomToken, path,
	).Scan(&content)
	if errors.Is(err, pgx.ErrNoRows) {
		// New document: starts empty.
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to load document %s/%s: %w", roomToken, path, err)
	}
	return content, nil
}

func (s *PostgresDocumentStore) Save(ctx context.Context, roomToken, path, content string) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO documents (room_token, path, content, updated_at)
		 VALUES ($1, $2, $3, now())
		 ON CONFLICT (room_token, path)
		 DO UPDATE SET content = EXCLUDED.content, updated_at = now()`,
		roomToken, path, content,
	)
	if err != nil {
		return fmt.Errorf("failed to save document %s/%s: %w", roomToken, path, err)
	}
	return nil
}

func (s *PostgresDocumentStore) Close() {
	s.pool.Close()
}
