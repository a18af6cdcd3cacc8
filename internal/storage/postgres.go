package storage

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresProvider is an optional Provider backend for operators who want
// durable, centrally-queryable storage instead of the in-process default.
// Concrete storage providers are an explicit Non-goal of the core
// contract (spec §1); this is an additive backend behind the same
// Provider interface used to exercise the corpus's pgx dependency.
type PostgresProvider struct {
	pool *pgxpool.Pool
}

const postgresSchema = `
CREATE TABLE IF NOT EXISTS plaid_storage (
	namespace TEXT NOT NULL,
	key       TEXT NOT NULL,
	value     BYTEA NOT NULL,
	PRIMARY KEY (namespace, key)
);
`

func NewPostgresProvider(ctx context.Context, dsn string) (*PostgresProvider, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("storage: connect postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("storage: migrate schema: %w", err)
	}
	return &PostgresProvider{pool: pool}, nil
}

func (p *PostgresProvider) Close() {
	p.pool.Close()
}

func (p *PostgresProvider) Insert(ctx context.Context, namespace, key string, value []byte) ([]byte, bool, error) {
	var prev []byte
	err := p.pool.QueryRow(ctx,
		`SELECT value FROM plaid_storage WHERE namespace = $1 AND key = $2`, namespace, key,
	).Scan(&prev)
	hadPrevious := err == nil

	_, err = p.pool.Exec(ctx,
		`INSERT INTO plaid_storage (namespace, key, value) VALUES ($1, $2, $3)
		 ON CONFLICT (namespace, key) DO UPDATE SET value = EXCLUDED.value`,
		namespace, key, value)
	if err != nil {
		return nil, false, fmt.Errorf("storage: insert: %w", err)
	}
	return prev, hadPrevious, nil
}

func (p *PostgresProvider) Get(ctx context.Context, namespace, key string) ([]byte, error) {
	var value []byte
	err := p.pool.QueryRow(ctx,
		`SELECT value FROM plaid_storage WHERE namespace = $1 AND key = $2`, namespace, key,
	).Scan(&value)
	if err != nil {
		return nil, ErrNotFound
	}
	return value, nil
}

func (p *PostgresProvider) Delete(ctx context.Context, namespace, key string) ([]byte, bool, error) {
	var prev []byte
	err := p.pool.QueryRow(ctx,
		`DELETE FROM plaid_storage WHERE namespace = $1 AND key = $2 RETURNING value`, namespace, key,
	).Scan(&prev)
	if err != nil {
		return nil, false, nil
	}
	return prev, true, nil
}

func (p *PostgresProvider) ListKeys(ctx context.Context, namespace, prefix string) ([]string, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT key FROM plaid_storage WHERE namespace = $1 AND key LIKE $2 ORDER BY key`,
		namespace, prefix+"%")
	if err != nil {
		return nil, fmt.Errorf("storage: list_keys: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

func (p *PostgresProvider) FetchAll(ctx context.Context, namespace, prefix string) ([]KeyValue, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT key, value FROM plaid_storage WHERE namespace = $1 AND key LIKE $2 ORDER BY key`,
		namespace, prefix+"%")
	if err != nil {
		return nil, fmt.Errorf("storage: fetch_all: %w", err)
	}
	defer rows.Close()

	var out []KeyValue
	for rows.Next() {
		var kv KeyValue
		if err := rows.Scan(&kv.Key, &kv.Value); err != nil {
			return nil, err
		}
		out = append(out, kv)
	}
	return out, rows.Err()
}

func (p *PostgresProvider) NamespaceByteSize(ctx context.Context, namespace string) (uint64, error) {
	var total uint64
	err := p.pool.QueryRow(ctx,
		`SELECT COALESCE(SUM(length(key) + length(value)), 0) FROM plaid_storage WHERE namespace = $1`,
		namespace,
	).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("storage: namespace_byte_size: %w", err)
	}
	return total, nil
}

func (p *PostgresProvider) ApplyMigration(ctx context.Context, namespace string, f MigrationFunc) error {
	rows, err := p.FetchAll(ctx, namespace, "")
	if err != nil {
		return err
	}
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("storage: begin migration: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM plaid_storage WHERE namespace = $1`, namespace); err != nil {
		return fmt.Errorf("storage: clear namespace for migration: %w", err)
	}
	for _, kv := range rows {
		nk, nv := f(kv.Key, kv.Value)
		if _, err := tx.Exec(ctx,
			`INSERT INTO plaid_storage (namespace, key, value) VALUES ($1, $2, $3)
			 ON CONFLICT (namespace, key) DO UPDATE SET value = EXCLUDED.value`,
			namespace, nk, nv); err != nil {
			return fmt.Errorf("storage: migrate entry %q: %w", kv.Key, err)
		}
	}
	return tx.Commit(ctx)
}
