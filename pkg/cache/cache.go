package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/quillui/bridge/pkg/log"
	"golang.org/x/sync/singleflight"
)

// Package cache implements the bridge's two-tier in-process cache: permanent
// model schemas keyed by name, and TTL-bounded query results keyed by
// command fingerprint.
//
// Schemas are loaded lazily with single-flight semantics: concurrent misses
// for the same name coalesce into one loader call. Query entries expire
// lazily on read; a low-frequency sweeper additionally reclaims memory for
// keys nobody asks for again.

// ErrEmptySchema is returned when a loader produces a nil or empty body.
// Empty bodies are never cached; the next GetSchema retries the loader.
var ErrEmptySchema = errors.New("schema loader returned empty body")

// SchemaLoader fetches a schema body on a cache miss.
type SchemaLoader func(name string) (map[string]any, error)

// SchemaEntry is an immutable snapshot of a named model's structure.
type SchemaEntry struct {
	Name     string
	Body     map[string]any
	LoadedAt time.Time
}

type queryEntry struct {
	payload    any
	model      string
	insertedAt time.Time
	expiresAt  time.Time
}

// Stats is a point-in-time statistics snapshot.
type Stats struct {
	SchemaHits        int64 `json:"schema_hits"`
	SchemaMisses      int64 `json:"schema_misses"`
	SchemaSize        int   `json:"schema_size"`
	QueryHits         int64 `json:"query_hits"`
	QueryMisses       int64 `json:"query_misses"`
	QuerySize         int   `json:"query_size"`
	DefaultTTLSeconds int64 `json:"default_ttl"`
}

// Cache is safe for concurrent use by all connections.
type Cache struct {
	mu      sync.RWMutex
	schemas map[string]*SchemaEntry
	queries map[Key]queryEntry

	group      singleflight.Group
	defaultTTL atomic.Int64 // nanoseconds

	schemaHits   atomic.Int64
	schemaMisses atomic.Int64
	queryHits    atomic.Int64
	queryMisses  atomic.Int64

	// now is swappable so tests can step the clock.
	now func() time.Time

	logger *log.Logger
}

// New creates a cache with the given default TTL for query entries.
// A non-positive TTL falls back to one minute.
func New(defaultTTL time.Duration) *Cache {
	c := &Cache{
		schemas: make(map[string]*SchemaEntry),
		queries: make(map[Key]queryEntry),
		now:     time.Now,
		logger:  log.ForComponent("cache"),
	}
	if defaultTTL <= 0 {
		defaultTTL = time.Minute
	}
	c.defaultTTL.Store(int64(defaultTTL))
	return c
}

// GetSchema returns the cached body for name, or invokes loader to fill it.
// Concurrent calls for a missing name serialize on the name: exactly one
// loader call runs, the rest wait and receive the loaded value. Failed loads
// are not cached.
func (c *Cache) GetSchema(name string, loader SchemaLoader) (map[string]any, error) {
	c.mu.RLock()
	entry, ok := c.schemas[name]
	c.mu.RUnlock()
	if ok {
		c.schemaHits.Add(1)
		return entry.Body, nil
	}

	loaded := false
	v, err, _ := c.group.Do(name, func() (any, error) {
		// A finished flight may have stored the entry between our miss and
		// this closure running.
		c.mu.RLock()
		entry, ok := c.schemas[name]
		c.mu.RUnlock()
		if ok {
			return entry.Body, nil
		}

		loaded = true
		c.schemaMisses.Add(1)
		body, err := loader(name)
		if err != nil {
			return nil, fmt.Errorf("loading schema %s: %w", name, err)
		}
		if len(body) == 0 {
			return nil, ErrEmptySchema
		}

		c.mu.Lock()
		c.schemas[name] = &SchemaEntry{Name: name, Body: body, LoadedAt: c.now()}
		c.mu.Unlock()
		return body, nil
	})
	if err != nil {
		return nil, err
	}
	// Callers whose closure never ran were served by someone else's flight;
	// that is a hit for them.
	if !loaded {
		c.schemaHits.Add(1)
	}
	return v.(map[string]any), nil
}

// GetQuery returns the payload for key if present and fresh. An expired
// entry is removed and reported as a miss. Expiry is strict: an entry whose
// deadline equals now is already stale.
func (c *Cache) GetQuery(key Key) (any, bool) {
	now := c.now()

	c.mu.RLock()
	entry, ok := c.queries[key]
	c.mu.RUnlock()

	if !ok {
		c.queryMisses.Add(1)
		return nil, false
	}
	if !now.Before(entry.expiresAt) {
		c.mu.Lock()
		// Re-check: a concurrent PutQuery may have refreshed the entry.
		if cur, still := c.queries[key]; still && !now.Before(cur.expiresAt) {
			delete(c.queries, key)
		}
		c.mu.Unlock()
		c.queryMisses.Add(1)
		return nil, false
	}

	c.queryHits.Add(1)
	return entry.payload, true
}

// PutQuery stores payload under key. A zero or negative ttl uses the
// configured default.
func (c *Cache) PutQuery(key Key, payload any, ttl time.Duration) {
	if ttl <= 0 {
		ttl = c.DefaultQueryTTL()
	}
	now := c.now()

	c.mu.Lock()
	c.queries[key] = queryEntry{
		payload:    payload,
		model:      key.Model,
		insertedAt: now,
		expiresAt:  now.Add(ttl),
	}
	c.mu.Unlock()
}

// InvalidateModel removes every query entry for the given model and returns
// the number removed. An empty model clears all query entries.
func (c *Cache) InvalidateModel(model string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	if model == "" {
		n := len(c.queries)
		c.queries = make(map[Key]queryEntry)
		return n
	}

	n := 0
	for k, e := range c.queries {
		if e.model == model {
			delete(c.queries, k)
			n++
		}
	}
	return n
}

// Clear empties cache tiers. kind is "schemas", "queries" or "all".
// Clearing is idempotent.
func (c *Cache) Clear(kind string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch kind {
	case "schemas":
		c.schemas = make(map[string]*SchemaEntry)
	case "queries":
		c.queries = make(map[Key]queryEntry)
	case "all":
		c.schemas = make(map[string]*SchemaEntry)
		c.queries = make(map[Key]queryEntry)
	default:
		return fmt.Errorf("unknown cache kind %q (want schemas, queries or all)", kind)
	}
	return nil
}

// SetDefaultQueryTTL updates the default TTL for future PutQuery calls.
// Existing entries keep their original expiry.
func (c *Cache) SetDefaultQueryTTL(ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	c.defaultTTL.Store(int64(ttl))
	c.logger.Infof("default query TTL set to %s", ttl)
}

// DefaultQueryTTL returns the current default TTL.
func (c *Cache) DefaultQueryTTL() time.Duration {
	return time.Duration(c.defaultTTL.Load())
}

// Stats returns a snapshot of cache statistics.
func (c *Cache) Stats() Stats {
	c.mu.RLock()
	schemaSize := len(c.schemas)
	querySize := len(c.queries)
	c.mu.RUnlock()

	return Stats{
		SchemaHits:        c.schemaHits.Load(),
		SchemaMisses:      c.schemaMisses.Load(),
		SchemaSize:        schemaSize,
		QueryHits:         c.queryHits.Load(),
		QueryMisses:       c.queryMisses.Load(),
		QuerySize:         querySize,
		DefaultTTLSeconds: int64(c.DefaultQueryTTL() / time.Second),
	}
}

// StartSweeper runs a low-frequency background sweep that drops expired
// query entries until ctx is cancelled. Lazy expiry on read remains the
// primary mechanism; the sweeper only reclaims memory for abandoned keys.
func (c *Cache) StartSweeper(ctx context.Context) {
	interval := c.DefaultQueryTTL() / 10
	if interval < time.Second {
		interval = time.Second
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.sweep()
			}
		}
	}()
}

func (c *Cache) sweep() {
	now := c.now()
	c.mu.Lock()
	removed := 0
	for k, e := range c.queries {
		if !now.Before(e.expiresAt) {
			delete(c.queries, k)
			removed++
		}
	}
	c.mu.Unlock()
	if removed > 0 {
		c.logger.Debugf("sweeper removed %d expired query entries", removed)
	}
}
