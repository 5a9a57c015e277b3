package dap

import (
	"sync"

	"github.com/oliy/daphne/messages"
)

// Counters tracks per-failure rejection counts plus aggregate totals. The
// counts are part of the state-machine contract (every dropped report is
// accounted for); how they are exported is up to the embedding process.
type Counters struct {
	mu         sync.Mutex
	rejected   map[messages.TransitionFailure]uint64
	aggregated uint64
	collected  uint64
}

func (c *Counters) IncRejected(f messages.TransitionFailure) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.rejected == nil {
		c.rejected = make(map[messages.TransitionFailure]uint64)
	}
	c.rejected[f]++
}

func (c *Counters) Rejected(f messages.TransitionFailure) uint64 {
	if c == nil {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rejected[f]
}

func (c *Counters) AddAggregated(n uint64) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.aggregated += n
}

func (c *Counters) AddCollected(n uint64) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.collected += n
}

func (c *Counters) Aggregated() uint64 {
	if c == nil {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.aggregated
}

func (c *Counters) Collected() uint64 {
	if c == nil {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.collected
}
