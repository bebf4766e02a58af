// Package postgres backs the lease store with a single postgres table; the
// conditional upsert is what arbitrates ownership between replicas.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/arena-gg/arena-settle/internal/leases"
)

var ErrInvalidConfig = errors.New("leases/postgres: invalid config")

const schemaSQL = `
CREATE TABLE IF NOT EXISTS sweep_leases (
	name TEXT PRIMARY KEY,
	owner TEXT NOT NULL,
	expires_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),

	CONSTRAINT name_nonempty CHECK (name <> ''),
	CONSTRAINT owner_nonempty CHECK (owner <> '')
);
`

type Store struct {
	pool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("%w: nil pool", ErrInvalidConfig)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) EnsureSchema(ctx context.Context) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("leases/postgres: ensure schema: %w", err)
	}
	return nil
}

func (s *Store) Acquire(ctx context.Context, name, owner string, ttl time.Duration) (leases.Lease, bool, error) {
	if s == nil || s.pool == nil {
		return leases.Lease{}, false, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if name == "" || owner == "" || ttl <= 0 {
		return leases.Lease{}, false, leases.ErrInvalidInput
	}

	var (
		gotOwner string
		expires  time.Time
	)
	err := s.pool.QueryRow(ctx, `
		INSERT INTO sweep_leases (name, owner, expires_at)
		VALUES ($1, $2, now() + ($3::bigint * interval '1 millisecond'))
		ON CONFLICT (name) DO UPDATE
		SET owner = EXCLUDED.owner,
			expires_at = EXCLUDED.expires_at,
			updated_at = now()
		WHERE sweep_leases.expires_at <= now()
		RETURNING owner, expires_at
	`, name, owner, ttl.Milliseconds()).Scan(&gotOwner, &expires)
	if errors.Is(err, pgx.ErrNoRows) {
		// Held by someone else; report the current holder.
		cur, gerr := s.Get(ctx, name)
		if gerr != nil {
			return leases.Lease{}, false, gerr
		}
		return cur, false, nil
	}
	if err != nil {
		return leases.Lease{}, false, fmt.Errorf("leases/postgres: acquire: %w", err)
	}
	return leases.Lease{Name: name, Owner: gotOwner, ExpiresAt: expires}, true, nil
}

func (s *Store) Renew(ctx context.Context, name, owner string, ttl time.Duration) (leases.Lease, bool, error) {
	if s == nil || s.pool == nil {
		return leases.Lease{}, false, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if name == "" || owner == "" || ttl <= 0 {
		return leases.Lease{}, false, leases.ErrInvalidInput
	}

	var expires time.Time
	err := s.pool.QueryRow(ctx, `
		UPDATE sweep_leases
		SET expires_at = now() + ($3::bigint * interval '1 millisecond'),
			updated_at = now()
		WHERE name = $1 AND owner = $2
		RETURNING expires_at
	`, name, owner, ttl.Milliseconds()).Scan(&expires)
	if errors.Is(err, pgx.ErrNoRows) {
		cur, gerr := s.Get(ctx, name)
		if errors.Is(gerr, leases.ErrNotFound) {
			return leases.Lease{}, false, leases.ErrNotFound
		}
		if gerr != nil {
			return leases.Lease{}, false, gerr
		}
		if cur.Owner != owner {
			return leases.Lease{}, false, leases.ErrNotOwner
		}
		return leases.Lease{}, false, fmt.Errorf("leases/postgres: renew: unexpected no rows")
	}
	if err != nil {
		return leases.Lease{}, false, fmt.Errorf("leases/postgres: renew: %w", err)
	}
	return leases.Lease{Name: name, Owner: owner, ExpiresAt: expires}, true, nil
}

func (s *Store) Release(ctx context.Context, name, owner string) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if name == "" || owner == "" {
		return leases.ErrInvalidInput
	}

	tag, err := s.pool.Exec(ctx, `DELETE FROM sweep_leases WHERE name = $1 AND owner = $2`, name, owner)
	if err != nil {
		return fmt.Errorf("leases/postgres: release: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	_, err = s.Get(ctx, name)
	if errors.Is(err, leases.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	return leases.ErrNotOwner
}

func (s *Store) Get(ctx context.Context, name string) (leases.Lease, error) {
	if s == nil || s.pool == nil {
		return leases.Lease{}, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if name == "" {
		return leases.Lease{}, leases.ErrInvalidInput
	}

	var l leases.Lease
	err := s.pool.QueryRow(ctx, `SELECT name, owner, expires_at FROM sweep_leases WHERE name = $1`, name).
		Scan(&l.Name, &l.Owner, &l.ExpiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return leases.Lease{}, leases.ErrNotFound
	}
	if err != nil {
		return leases.Lease{}, fmt.Errorf("leases/postgres: get: %w", err)
	}
	return l, nil
}
