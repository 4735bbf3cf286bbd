// Package postgres stores leases in Postgres. Expiry is judged by the
// database clock so instances with skewed clocks still agree.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stakebts/stake-machine/internal/leases"
)

var ErrInvalidConfig = errors.New("leases/postgres: invalid config")

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
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("leases/postgres: ensure schema: %w", err)
	}
	return nil
}

// acquireSQL inserts a fresh lease, renews one held by the same owner, or
// takes over an expired one with the next term. A live lease held by someone
// else matches no row.
const acquireSQL = `
INSERT INTO stake_leases AS l (name, owner, expires_at)
VALUES ($1, $2, now() + make_interval(secs => $3::double precision / 1000))
ON CONFLICT (name) DO UPDATE
SET
	term = CASE
		WHEN l.owner = EXCLUDED.owner AND l.expires_at > now() THEN l.term
		ELSE l.term + 1
	END,
	acquired_at = CASE
		WHEN l.owner = EXCLUDED.owner AND l.expires_at > now() THEN l.acquired_at
		ELSE now()
	END,
	owner = EXCLUDED.owner,
	expires_at = EXCLUDED.expires_at,
	renewed_at = now()
WHERE l.expires_at <= now() OR l.owner = EXCLUDED.owner
RETURNING owner, term, expires_at
`

func (s *Store) Acquire(ctx context.Context, name, owner string, ttl time.Duration) (leases.Lease, bool, error) {
	if err := leases.Validate(name, owner, ttl); err != nil {
		return leases.Lease{}, false, err
	}

	l := leases.Lease{Name: name}
	err := s.pool.QueryRow(ctx, acquireSQL, name, owner, max(ttl.Milliseconds(), 1)).Scan(&l.Owner, &l.Term, &l.ExpiresAt)
	switch {
	case err == nil:
		return l, true, nil
	case !errors.Is(err, pgx.ErrNoRows):
		return leases.Lease{}, false, fmt.Errorf("leases/postgres: acquire %s: %w", name, err)
	}

	held, ok, err := s.Get(ctx, name)
	if err != nil {
		return leases.Lease{}, false, err
	}
	if !ok {
		return leases.Lease{}, false, fmt.Errorf("leases/postgres: acquire %s: row vanished", name)
	}
	return held, false, nil
}

func (s *Store) Release(ctx context.Context, name, owner string) error {
	if name == "" || owner == "" {
		return fmt.Errorf("%w: empty lease name or owner", leases.ErrInvalidInput)
	}

	var holder string
	err := s.pool.QueryRow(ctx, `
		WITH released AS (
			UPDATE stake_leases
			SET expires_at = now(), renewed_at = now()
			WHERE name = $1 AND owner = $2 AND expires_at > now()
			RETURNING owner
		)
		SELECT owner FROM released
		UNION ALL
		SELECT owner FROM stake_leases
		WHERE name = $1 AND expires_at > now() AND NOT EXISTS (SELECT 1 FROM released)
	`, name, owner).Scan(&holder)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return nil
	case err != nil:
		return fmt.Errorf("leases/postgres: release %s: %w", name, err)
	case holder != owner:
		return leases.ErrNotOwner
	}
	return nil
}

func (s *Store) Get(ctx context.Context, name string) (leases.Lease, bool, error) {
	l := leases.Lease{Name: name}
	err := s.pool.QueryRow(ctx, `SELECT owner, term, expires_at FROM stake_leases WHERE name = $1`, name).Scan(&l.Owner, &l.Term, &l.ExpiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return leases.Lease{}, false, nil
	}
	if err != nil {
		return leases.Lease{}, false, fmt.Errorf("leases/postgres: get %s: %w", name, err)
	}
	return l, true, nil
}

var _ leases.Store = (*Store)(nil)
