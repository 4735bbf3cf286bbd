// Package nonce issues strictly increasing millisecond timestamps.
package nonce

import (
	"sync"
	"time"
)

// Generator is safe for concurrent use.
type Generator struct {
	mu   sync.Mutex
	last int64

	now   func() time.Time
	sleep func(time.Duration)
}

func New() *Generator {
	return &Generator{now: time.Now, sleep: time.Sleep}
}

// NewWithClock is New with an injected clock, for tests.
func NewWithClock(now func() time.Time, sleep func(time.Duration)) *Generator {
	if now == nil {
		now = time.Now
	}
	if sleep == nil {
		sleep = time.Sleep
	}
	return &Generator{now: now, sleep: sleep}
}

// Next blocks until the wall clock has moved past the last issued value and
// returns it. Two calls never return the same value.
func (g *Generator) Next() int64 {
	g.mu.Lock()
	defer g.mu.Unlock()

	for {
		n := g.now().UnixMilli()
		if n > g.last {
			g.last = n
			return n
		}
		g.sleep(500 * time.Microsecond)
	}
}
