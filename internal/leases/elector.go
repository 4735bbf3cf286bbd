package leases

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"
)

type leaseKey struct{}

// FromContext returns the lease held by the Lead call that created ctx.
func FromContext(ctx context.Context) (Lease, bool) {
	l, ok := ctx.Value(leaseKey{}).(Lease)
	return l, ok
}

// Elector runs work only while it holds a lease.
type Elector struct {
	store Store
	name  string
	owner string
	ttl   time.Duration
	every time.Duration
	log   *slog.Logger
}

// NewElector returns an Elector that renews every ttl/3.
func NewElector(store Store, name, owner string, ttl time.Duration, log *slog.Logger) (*Elector, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: nil store", ErrInvalidInput)
	}
	if err := Validate(name, owner, ttl); err != nil {
		return nil, err
	}
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	every := ttl / 3
	if every <= 0 {
		every = ttl
	}
	return &Elector{store: store, name: name, owner: owner, ttl: ttl, every: every, log: log}, nil
}

// Lead blocks until the lease is held, then runs fn with a context that is
// cancelled when a renewal fails. The lease is released when fn returns. If
// leadership was lost, Lead returns ErrLeaseLost.
func (e *Elector) Lead(ctx context.Context, fn func(ctx context.Context) error) error {
	t := time.NewTicker(e.every)
	defer t.Stop()

	var held Lease
	for {
		l, ok, err := e.store.Acquire(ctx, e.name, e.owner, e.ttl)
		switch {
		case err != nil:
			e.log.Warn("lease acquire", "lease", e.name, "err", err)
		case ok:
			e.log.Info("lease acquired", "lease", e.name, "owner", e.owner, "term", l.Term, "expires_at", l.ExpiresAt)
			held = l
		default:
			e.log.Info("lease held elsewhere", "lease", e.name, "holder", l.Owner, "term", l.Term, "expires_at", l.ExpiresAt)
		}
		if ok {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}

	leadCtx, cancel := context.WithCancelCause(context.WithValue(ctx, leaseKey{}, held))
	defer cancel(nil)

	renewed := make(chan struct{})
	go func() {
		defer close(renewed)
		for {
			select {
			case <-leadCtx.Done():
				return
			case <-t.C:
			}
			l, ok, err := e.store.Acquire(leadCtx, e.name, e.owner, e.ttl)
			if leadCtx.Err() != nil {
				return
			}
			// A different term means the lease lapsed and was re-taken;
			// work started under the old term must stop.
			if err != nil || !ok || l.Term != held.Term {
				e.log.Error("lease renewal failed", "lease", e.name, "term", held.Term, "got_term", l.Term, "err", err)
				cancel(ErrLeaseLost)
				return
			}
		}
	}()

	err := fn(leadCtx)
	lost := errors.Is(context.Cause(leadCtx), ErrLeaseLost)
	cancel(nil)
	<-renewed

	rctx, rcancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer rcancel()
	if rerr := e.store.Release(rctx, e.name, e.owner); rerr != nil && !errors.Is(rerr, ErrNotOwner) {
		e.log.Warn("lease release", "lease", e.name, "err", rerr)
	}

	if lost {
		return ErrLeaseLost
	}
	return err
}
