// Package cache holds complete answers in memory, keyed by the normalized
// question and a prefix of the prior context.
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gowebpki/jcs"

	"github.com/pario-ai/querydesk/pkg/models"
)

// Defaults applied by New when an option is zero.
const (
	DefaultTTL           = time.Hour
	DefaultMaxSize       = 100
	DefaultContextPrefix = 100
)

// Options configures a Cache.
type Options struct {
	TTL           time.Duration
	MaxSize       int
	ContextPrefix int
	// SweepInterval purges expired entries in the background. Zero disables
	// the sweeper; expired entries are still dropped on lookup.
	SweepInterval time.Duration
}

type entry struct {
	env      *models.Envelope
	storedAt time.Time
}

// Cache is a TTL-bounded store of envelopes with oldest-insertion eviction.
type Cache struct {
	mu         sync.Mutex
	entries    map[string]entry
	generation uint64

	ttl     time.Duration
	maxSize int
	prefix  int
	now     func() time.Time

	hits   atomic.Int64
	misses atomic.Int64

	done chan struct{}
	wg   sync.WaitGroup
	once sync.Once
}

// New creates a Cache. Zero options fall back to the package defaults.
func New(opts Options) *Cache {
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.MaxSize <= 0 {
		opts.MaxSize = DefaultMaxSize
	}
	if opts.ContextPrefix <= 0 {
		opts.ContextPrefix = DefaultContextPrefix
	}
	c := &Cache{
		entries: make(map[string]entry),
		ttl:     opts.TTL,
		maxSize: opts.MaxSize,
		prefix:  opts.ContextPrefix,
		now:     time.Now,
		done:    make(chan struct{}),
	}
	if opts.SweepInterval > 0 {
		c.wg.Add(1)
		go c.sweepLoop(opts.SweepInterval)
	}
	return c
}

// Key derives the cache key for a question and its prior context. Only the
// first prefix runes of the context participate.
func Key(question, prior string, prefix int) string {
	if r := []rune(prior); len(r) > prefix {
		prior = string(r[:prefix])
	}
	raw, _ := json.Marshal(map[string]string{
		"question": strings.ToLower(strings.TrimSpace(question)),
		"context":  prior,
	})
	canonical, err := jcs.Transform(raw)
	if err != nil {
		canonical = raw
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:])
}

// Key derives the key this cache uses for a question and prior context.
func (c *Cache) Key(question, prior string) string {
	return Key(question, prior, c.prefix)
}

// Get returns a copy of the stored envelope marked as cached. Expired
// entries are removed and reported as a miss.
func (c *Cache) Get(question, prior string) (*models.Envelope, bool) {
	key := c.Key(question, prior)
	now := c.now()

	c.mu.Lock()
	e, ok := c.entries[key]
	if ok && now.Sub(e.storedAt) >= c.ttl {
		delete(c.entries, key)
		ok = false
	}
	c.mu.Unlock()

	if !ok {
		c.misses.Add(1)
		return nil, false
	}
	c.hits.Add(1)

	out := e.env.Clone()
	out.Cached = true
	out.CacheAge = now.Sub(e.storedAt)
	return out, true
}

// Set stores a copy of env. When the cache is full the entry with the oldest
// insertion time is evicted first, even if env overwrites an existing key.
func (c *Cache) Set(question, prior string, env *models.Envelope) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.setLocked(c.Key(question, prior), env)
}

// SetIfCurrent stores env only if no Clear happened since generation was
// read. It reports whether the write landed.
func (c *Cache) SetIfCurrent(generation uint64, question, prior string, env *models.Envelope) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if generation != c.generation {
		return false
	}
	c.setLocked(c.Key(question, prior), env)
	return true
}

func (c *Cache) setLocked(key string, env *models.Envelope) {
	if len(c.entries) >= c.maxSize {
		c.evictOldestLocked()
	}
	stored := env.Clone()
	stored.Cached = false
	stored.CacheAge = 0
	c.entries[key] = entry{env: stored, storedAt: c.now()}
}

func (c *Cache) evictOldestLocked() {
	var oldestKey string
	var oldest time.Time
	for k, e := range c.entries {
		if oldestKey == "" || e.storedAt.Before(oldest) {
			oldestKey, oldest = k, e.storedAt
		}
	}
	if oldestKey != "" {
		delete(c.entries, oldestKey)
	}
}

// Generation returns a token that changes on every Clear.
func (c *Cache) Generation() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.generation
}

// Clear drops every entry and invalidates in-flight SetIfCurrent writes.
func (c *Cache) Clear() {
	c.mu.Lock()
	c.entries = make(map[string]entry)
	c.generation++
	c.mu.Unlock()
}

// Len returns the number of stored entries, expired ones included.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Stats returns cache occupancy and hit metrics.
func (c *Cache) Stats() models.CacheStats {
	return models.CacheStats{
		Entries: int64(c.Len()),
		Hits:    c.hits.Load(),
		Misses:  c.misses.Load(),
		MaxSize: c.maxSize,
		TTL:     c.ttl,
	}
}

// Purge removes expired entries and returns how many were dropped.
func (c *Cache) Purge() int {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for k, e := range c.entries {
		if now.Sub(e.storedAt) >= c.ttl {
			delete(c.entries, k)
			n++
		}
	}
	return n
}

func (c *Cache) sweepLoop(interval time.Duration) {
	defer c.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.Purge()
		case <-c.done:
			return
		}
	}
}

// Close stops the sweeper. It is safe to call more than once.
func (c *Cache) Close() error {
	c.once.Do(func() { close(c.done) })
	c.wg.Wait()
	return nil
}
