package throttle

import (
	"context"
	"sync"
	"time"

	hub "github.com/goliatone/go-hub"
)

// Counter records a hit for a scope and returns the hits inside the trailing
// window, the new hit included.
type Counter interface {
	Count(ctx context.Context, scope Scope, interval time.Duration) (int, error)
}

// MemoryCounter is a single-node sliding-window log. Calls for the same scope
// are serialized; unrelated scopes do not contend. Scopes with no hit left in
// their window are pruned periodically.
type MemoryCounter struct {
	mu        sync.Mutex
	hits      map[string]*window
	locks     *hub.KeyLocker
	now       func() time.Time
	sweep     time.Duration
	lastSweep time.Time
}

type window struct {
	hits     []int64
	interval int64
}

// DefaultSweepInterval is how often Count prunes idle scopes.
const DefaultSweepInterval = time.Minute

// MemoryOption configures a MemoryCounter.
type MemoryOption func(*MemoryCounter)

// WithMemoryClock overrides the counter clock.
func WithMemoryClock(now func() time.Time) MemoryOption {
	return func(c *MemoryCounter) {
		if now != nil {
			c.now = now
		}
	}
}

// WithSweepInterval sets how often Count prunes idle scopes.
func WithSweepInterval(d time.Duration) MemoryOption {
	return func(c *MemoryCounter) {
		if d > 0 {
			c.sweep = d
		}
	}
}

// NewMemoryCounter builds an empty counter.
func NewMemoryCounter(opts ...MemoryOption) *MemoryCounter {
	c := &MemoryCounter{
		hits:  make(map[string]*window),
		locks: hub.NewKeyLocker(),
		now:   time.Now,
		sweep: DefaultSweepInterval,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	c.lastSweep = c.now()
	return c
}

func (c *MemoryCounter) Count(ctx context.Context, scope Scope, interval time.Duration) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	now := c.now()
	n := c.record(scope.Key(), now.UnixMilli(), interval.Milliseconds())
	if c.sweepDue(now) {
		c.Prune()
	}
	return n, nil
}

func (c *MemoryCounter) record(key string, now, interval int64) int {
	unlock := c.locks.Lock(key)
	defer unlock()

	c.mu.Lock()
	w := c.hits[key]
	c.mu.Unlock()
	if w == nil {
		w = &window{}
	}

	w.interval = interval
	w.hits = append(evictBefore(w.hits, now-interval), now)

	c.mu.Lock()
	c.hits[key] = w
	c.mu.Unlock()
	return len(w.hits)
}

func (c *MemoryCounter) sweepDue(now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if now.Sub(c.lastSweep) < c.sweep {
		return false
	}
	c.lastSweep = now
	return true
}

// Prune evicts expired hits of every scope and forgets scopes left empty. It
// returns the number of scopes removed.
func (c *MemoryCounter) Prune() int {
	c.mu.Lock()
	keys := make([]string, 0, len(c.hits))
	for key := range c.hits {
		keys = append(keys, key)
	}
	c.mu.Unlock()

	now := c.now().UnixMilli()
	removed := 0
	for _, key := range keys {
		if c.prune(key, now) {
			removed++
		}
	}
	return removed
}

func (c *MemoryCounter) prune(key string, now int64) bool {
	unlock := c.locks.Lock(key)
	defer unlock()

	c.mu.Lock()
	defer c.mu.Unlock()
	w, ok := c.hits[key]
	if !ok {
		return false
	}
	w.hits = evictBefore(w.hits, now-w.interval)
	if len(w.hits) > 0 {
		return false
	}
	delete(c.hits, key)
	return true
}

// evictBefore drops timestamps at or before cutoff. hits is ascending.
func evictBefore(hits []int64, cutoff int64) []int64 {
	i := 0
	for i < len(hits) && hits[i] <= cutoff {
		i++
	}
	if i == 0 {
		return hits
	}
	return append(hits[:0], hits[i:]...)
}

// Scopes returns the number of tracked scopes.
func (c *MemoryCounter) Scopes() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.hits)
}
