// Package clock implements a monotonic logical clock used to version cache
// entries.
//
// Every write to a cache entry ticks the clock and stamps the entry with the
// new value. A background read remembers the stamp it started from and only
// writes back if the entry still carries that stamp, so a slow read can
// never overwrite a newer optimistic write.
//
// Note: Clock is not goroutine-safe. Callers guard it with the same mutex
// that guards the data it versions.
package clock

// Clock is a monotonic logical clock. Not goroutine-safe; see package doc.
type Clock struct {
	ts uint64
}

// Tick advances the clock before a write. Returns the new value.
func (c *Clock) Tick() uint64 {
	c.ts++
	return c.ts
}

// Observe advances the clock past an externally seen value, so that the
// next Tick is strictly greater than seen. Returns the new value.
func (c *Clock) Observe(seen uint64) uint64 {
	if seen > c.ts {
		c.ts = seen
	}
	return c.ts
}

// Value returns the current clock value without advancing it.
func (c *Clock) Value() uint64 { return c.ts }

// Newer reports whether stamp a was written after stamp b.
func Newer(a, b uint64) bool { return a > b }
