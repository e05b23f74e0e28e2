package chat

import (
	"strconv"
	"sync"
	"time"
)

// IDGenerator yields epoch-millisecond message ids that strictly increase
// within the process, bumping by one when two calls share a millisecond.
type IDGenerator struct {
	now func() time.Time

	mu   sync.Mutex
	last int64
}

// NewIDGenerator returns a generator on the wall clock.
func NewIDGenerator() *IDGenerator {
	return &IDGenerator{now: time.Now}
}

// Next returns the next id.
func (g *IDGenerator) Next() string {
	ms := g.now().UnixMilli()

	g.mu.Lock()
	if ms <= g.last {
		ms = g.last + 1
	}
	g.last = ms
	g.mu.Unlock()

	return strconv.FormatInt(ms, 10)
}
