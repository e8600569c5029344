package narrative

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresRepository stores narratives in a single table keyed by user.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository connects and creates the table if needed.
func NewPostgresRepository(ctx context.Context, databaseURL string) (*PostgresRepository, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &PostgresRepository{pool: pool}, nil
}

func initSchema(ctx context.Context, pool *pgxpool.Pool) error {
	const stmt = `CREATE TABLE IF NOT EXISTS narratives (
		user_id TEXT PRIMARY KEY,
		content TEXT NOT NULL,
		generated_at TIMESTAMPTZ NOT NULL
	);`
	if _, err := pool.Exec(ctx, stmt); err != nil {
		return fmt.Errorf("init schema failed: %w", err)
	}
	return nil
}

// Get implements Repository.
func (r *PostgresRepository) Get(ctx context.Context, userID string) (*NarrativeEntry, error) {
	var e NarrativeEntry
	err := r.pool.QueryRow(ctx,
		`SELECT user_id, content, generated_at FROM narratives WHERE user_id=$1`,
		userID,
	).Scan(&e.UserID, &e.Content, &e.GeneratedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get narrative: %w", err)
	}
	return &e, nil
}

// Put implements Repository with a single-statement upsert.
func (r *PostgresRepository) Put(ctx context.Context, entry NarrativeEntry) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO narratives (user_id, content, generated_at)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (user_id) DO UPDATE
		 SET content = EXCLUDED.content, generated_at = EXCLUDED.generated_at`,
		entry.UserID,
		entry.Content,
		entry.GeneratedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("put narrative: %w", err)
	}
	return nil
}

// Delete implements Repository.
func (r *PostgresRepository) Delete(ctx context.Context, userID string) error {
	if _, err := r.pool.Exec(ctx, `DELETE FROM narratives WHERE user_id=$1`, userID); err != nil {
		return fmt.Errorf("delete narrative: %w", err)
	}
	return nil
}

// Close releases the pool.
func (r *PostgresRepository) Close() error {
	r.pool.Close()
	return nil
}

var _ Repository = (*PostgresRepository)(nil)
