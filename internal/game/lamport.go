package game

import "sync"

// LamportClock provides a monotonic, causally-consistent ordering value for
// game events, independent of wall-clock time. It never affects scoring.
type LamportClock struct {
	mu      sync.Mutex
	counter uint64
}

// Tick advances the clock before a server-originated causal event and
// returns the new value.
func (c *LamportClock) Tick() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counter++
	return c.counter
}

// Observe merges a client-supplied sequence number using the Lamport rule:
// counter = max(local, received) + 1.
func (c *LamportClock) Observe(received uint64) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if received > c.counter {
		c.counter = received
	}
	c.counter++
	return c.counter
}

func (c *LamportClock) Value() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counter
}
