// Package cache reads and writes the small JSON state files that external
// feed processes drop next to the engine's data: sentiment, on-chain
// metrics, the live pairlist and the emergency-halt flag. Every file is a
// TTL cache; readers learn whether the data is stale, never whether to
// crash.
package cache

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// envelope is the on-disk shape: payload plus its write time.
type envelope[T any] struct {
	UpdatedAt int64 `json:"updatedAt"` // ms since epoch
	Data      T     `json:"data"`
}

// TTLFile is a single JSON state file with a freshness window.
type TTLFile[T any] struct {
	path string
	ttl  time.Duration
}

func NewTTLFile[T any](path string, ttl time.Duration) *TTLFile[T] {
	return &TTLFile[T]{path: path, ttl: ttl}
}

// Read returns the cached value and whether it is still fresh. A missing or
// unreadable file reports ok=false with the zero value; callers degrade to
// running without the feed.
func (c *TTLFile[T]) Read(now time.Time) (value T, fresh bool, ok bool) {
	data, err := os.ReadFile(c.path)
	if err != nil {
		return value, false, false
	}
	var env envelope[T]
	if err := json.Unmarshal(data, &env); err != nil {
		return value, false, false
	}
	age := now.Sub(time.UnixMilli(env.UpdatedAt))
	return env.Data, c.ttl <= 0 || age <= c.ttl, true
}

// Write stores the value with the current timestamp, via temp file plus
// rename.
func (c *TTLFile[T]) Write(value T, now time.Time) error {
	data, err := json.Marshal(envelope[T]{UpdatedAt: now.UnixMilli(), Data: value})
	if err != nil {
		return fmt.Errorf("encoding cache %s: %w", c.path, err)
	}
	tmp := c.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("writing cache %s: %w", c.path, err)
	}
	return os.Rename(tmp, c.path)
}
