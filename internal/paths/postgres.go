package paths

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore keeps relay path bindings in PostgreSQL.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresStore{pool: pool}, nil
}

func initSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS relay_paths (
			path TEXT PRIMARY KEY,
			model TEXT NOT NULL,
			response_modalities TEXT NOT NULL DEFAULT '',
			voice TEXT NOT NULL DEFAULT '',
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
	}

	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

// Upsert stores b, replacing any binding for the same path.
func (s *PostgresStore) Upsert(ctx context.Context, b Binding) error {
	path, err := NormalizePath(b.Path)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO relay_paths (path, model, response_modalities, voice, updated_at)
		 VALUES ($1, $2, $3, $4, now())
		 ON CONFLICT (path) DO UPDATE
		 SET model = EXCLUDED.model,
		     response_modalities = EXCLUDED.response_modalities,
		     voice = EXCLUDED.voice,
		     updated_at = now()`,
		path,
		b.Model,
		strings.Join(b.ResponseModalities, ","),
		b.Voice,
	)
	if err != nil {
		return fmt.Errorf("upsert relay path: %w", err)
	}
	return nil
}

func (s *PostgresStore) List(ctx context.Context) ([]Binding, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT path, model, response_modalities, voice
		 FROM relay_paths
		 ORDER BY path ASC`,
	)
	if err != nil {
		return nil, fmt.Errorf("list relay paths: %w", err)
	}
	defer rows.Close()

	var out []Binding
	for rows.Next() {
		var b Binding
		var modalities string
		if err := rows.Scan(&b.Path, &b.Model, &modalities, &b.Voice); err != nil {
			return nil, fmt.Errorf("scan relay path: %w", err)
		}
		b.ResponseModalities = splitModalities(modalities)
		out = append(out, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate relay paths: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) Close() {
	s.pool.Close()
}

func splitModalities(raw string) []string {
	var out []string
	for _, m := range strings.Split(raw, ",") {
		if m = strings.TrimSpace(m); m != "" {
			out = append(out, m)
		}
	}
	return out
}
