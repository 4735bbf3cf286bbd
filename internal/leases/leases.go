// Package leases keeps one active stake-machine per deployment. The holder of
// a named lease runs the listener, scheduler and reporter; everyone else waits.
package leases

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	ErrInvalidInput = errors.New("leases: invalid input")
	ErrNotOwner     = errors.New("leases: not owner")
	ErrLeaseLost    = errors.New("leases: lease lost")
)

// Lease is a snapshot of a lease row. Term increases by one each time the
// lease changes hands and stays put across renewals, so it can fence work
// started by an earlier holder.
type Lease struct {
	Name      string
	Owner     string
	Term      int64
	ExpiresAt time.Time
}

// Held reports whether the lease is unexpired at now.
func (l Lease) Held(now time.Time) bool {
	return l.Owner != "" && l.ExpiresAt.After(now)
}

// Store is a compare-and-swap lease table.
//
// Acquire takes an absent or expired lease (bumping Term) and renews one the
// caller already holds. If another owner holds it, Acquire returns that lease
// and false. Release expires the caller's lease without forgetting its Term;
// releasing a lease nobody holds is a no-op.
type Store interface {
	Acquire(ctx context.Context, name, owner string, ttl time.Duration) (Lease, bool, error)
	Release(ctx context.Context, name, owner string) error
	Get(ctx context.Context, name string) (Lease, bool, error)
}

// Validate checks the arguments every Store method shares.
func Validate(name, owner string, ttl time.Duration) error {
	switch {
	case name == "":
		return fmt.Errorf("%w: empty lease name", ErrInvalidInput)
	case owner == "":
		return fmt.Errorf("%w: empty owner", ErrInvalidInput)
	case ttl <= 0:
		return fmt.Errorf("%w: ttl must be > 0", ErrInvalidInput)
	}
	return nil
}
