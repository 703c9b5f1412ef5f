// Package requestid issues the per-process request correlation ids echoed in
// response headers and log lines.
package requestid

import (
	"math/rand/v2"
	"strconv"
	"sync/atomic"
)

// Counter is seeded randomly per process so ids from different nodes do not
// collide in aggregated logs. Wraps back to 1, never issues 0.
type Counter struct {
	n atomic.Uint32
}

func NewCounter() *Counter {
	c := &Counter{}
	c.n.Store(rand.Uint32())
	return c
}

// Next returns the next id formatted as lowercase hex.
func (c *Counter) Next() string {
	for {
		v := c.n.Add(1)
		if v != 0 {
			return strconv.FormatUint(uint64(v), 16)
		}
		// wrapped to zero; retry so 0 is never handed out
	}
}
