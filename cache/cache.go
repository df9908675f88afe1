package cache

import (
	"container/list"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/tierflow/tierflow/core"
)

// Outcome classifies how a lookup was served; the value flows
// straight into the telemetry ledger's cache field.
type Outcome string

const (
	OutcomeMiss      Outcome = "miss"
	OutcomeHit       Outcome = "hit"
	OutcomeSemantic  Outcome = "semantic"
	OutcomeCoalesced Outcome = "coalesced"
	OutcomeBypass    Outcome = "bypass"
)

// entryOverheadBytes approximates per-entry bookkeeping cost so the
// byte budget reflects more than raw content length.
const entryOverheadBytes = 160

// Entry is one cached completion
type Entry struct {
	Fingerprint  string
	Content      string
	Model        string
	Provider     string
	Tier         core.Tier
	InputTokens  int64
	OutputTokens int64
	CostMicros   int64
	CreatedAt    time.Time
}

// SizeBytes is the entry's charge against the cache byte budget
func (e *Entry) SizeBytes() int64 {
	return int64(len(e.Content)+len(e.Fingerprint)) + entryOverheadBytes
}

// Config configures the response cache
type Config struct {
	Enabled           bool
	MaxBytes          int64
	Mode              string // "hash" or "hybrid"
	SemanticThreshold float64
	SemanticAgeLimit  time.Duration
	Embedder          core.Embedder
	Store             Store
	Logger            core.Logger
}

// Validate checks the configuration for errors
func (c *Config) Validate() error {
	if c.MaxBytes <= 0 {
		return fmt.Errorf("cache max_bytes must be positive: %w", core.ErrInvalidConfiguration)
	}
	switch c.Mode {
	case "", "hash":
	case "hybrid":
		if c.Embedder == nil {
			return fmt.Errorf("hybrid cache mode requires an embedder: %w", core.ErrInvalidConfiguration)
		}
		if c.SemanticThreshold <= 0 || c.SemanticThreshold > 1 {
			return fmt.Errorf("semantic threshold must be in (0, 1]: %w", core.ErrInvalidConfiguration)
		}
	default:
		return fmt.Errorf("unknown cache mode %q: %w", c.Mode, core.ErrInvalidConfiguration)
	}
	return nil
}

// ConfigFrom builds a cache Config from the application configuration
func ConfigFrom(cc core.CacheConfig, embedder core.Embedder, store Store, logger core.Logger) Config {
	return Config{
		Enabled:           cc.Enabled,
		MaxBytes:          cc.MaxBytes,
		Mode:              cc.Mode,
		SemanticThreshold: cc.SemanticThreshold,
		SemanticAgeLimit:  time.Duration(cc.SemanticAgeLimitDays) * 24 * time.Hour,
		Embedder:          embedder,
		Store:             store,
		Logger:            logger,
	}
}

// Stats is a point-in-time snapshot of cache effectiveness
type Stats struct {
	Hits         int64 `json:"hits"`
	SemanticHits int64 `json:"semantic_hits"`
	Coalesced    int64 `json:"coalesced"`
	Misses       int64 `json:"misses"`
	Evictions    int64 `json:"evictions"`
	Entries      int   `json:"entries"`
	Bytes        int64 `json:"bytes"`
	MaxBytes     int64 `json:"max_bytes"`
}

// HitRate returns the fraction of lookups served without a build
func (s Stats) HitRate() float64 {
	total := s.Hits + s.SemanticHits + s.Coalesced + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits+s.SemanticHits+s.Coalesced) / float64(total)
}

type inflightCall struct {
	done  chan struct{}
	entry *Entry
	err   error
}

// Cache is a byte-bounded LRU response cache with request coalescing
// and an optional semantic index. Safe for concurrent use.
type Cache struct {
	config Config
	logger core.Logger

	mu       sync.Mutex
	entries  map[string]*list.Element // fingerprint -> lru element
	lru      *list.List               // front = most recently used
	bytes    int64
	inflight map[string]*inflightCall
	stats    Stats
	semantic *semanticIndex

	storeWarned bool
	embedWarned bool
	now         func() time.Time
}

// New creates a response cache
func New(config Config) (*Cache, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if config.Logger == nil {
		config.Logger = &core.NoOpLogger{}
	}

	c := &Cache{
		config:   config,
		logger:   config.Logger,
		entries:  make(map[string]*list.Element),
		lru:      list.New(),
		inflight: make(map[string]*inflightCall),
		now:      time.Now,
	}
	c.stats.MaxBytes = config.MaxBytes
	if config.Mode == "hybrid" {
		c.semantic = newSemanticIndex(config.SemanticThreshold, config.SemanticAgeLimit)
	}
	return c, nil
}

// GetOrBuild returns the cached entry for key, or runs build exactly
// once per fingerprint while concurrent callers for the same
// fingerprint wait for that one result. Build errors are never cached.
func (c *Cache) GetOrBuild(ctx context.Context, key Key, build func(ctx context.Context) (*Entry, error)) (*Entry, Outcome, error) {
	if !c.config.Enabled {
		entry, err := build(ctx)
		return entry, OutcomeBypass, err
	}

	fp := Fingerprint(key)

	c.mu.Lock()
	if elem, ok := c.entries[fp]; ok {
		c.lru.MoveToFront(elem)
		entry := elem.Value.(*Entry)
		c.stats.Hits++
		c.mu.Unlock()
		return entry, OutcomeHit, nil
	}
	c.mu.Unlock()

	// exact miss: only now pay for an embedding, outside the lock;
	// embedders may be remote calls
	var vec []float32
	if c.semantic != nil {
		if v, err := c.config.Embedder.Embed(ctx, NormalizePrompt(key.Prompt)); err == nil {
			vec = v
		} else {
			c.warnEmbed(err)
		}
	}

	c.mu.Lock()
	// an identical request may have settled while embedding
	if elem, ok := c.entries[fp]; ok {
		c.lru.MoveToFront(elem)
		entry := elem.Value.(*Entry)
		c.stats.Hits++
		c.mu.Unlock()
		return entry, OutcomeHit, nil
	}

	if vec != nil {
		if match := c.semanticLookupLocked(vec, key); match != nil {
			c.stats.SemanticHits++
			c.mu.Unlock()
			return match, OutcomeSemantic, nil
		}
	}

	if call, ok := c.inflight[fp]; ok {
		c.mu.Unlock()
		select {
		case <-call.done:
		case <-ctx.Done():
			return nil, OutcomeCoalesced, ctx.Err()
		}
		if call.err != nil {
			return nil, OutcomeCoalesced, call.err
		}
		c.mu.Lock()
		c.stats.Coalesced++
		c.mu.Unlock()
		return call.entry, OutcomeCoalesced, nil
	}

	call := &inflightCall{done: make(chan struct{})}
	c.inflight[fp] = call
	c.stats.Misses++
	c.mu.Unlock()

	if c.config.Store != nil {
		if entry, ok := c.storeLookup(ctx, fp); ok {
			c.admit(ctx, entry, vec)
			c.finishInflight(fp, call, entry, nil)
			return entry, OutcomeHit, nil
		}
	}

	entry, err := build(ctx)
	if err != nil {
		c.finishInflight(fp, call, nil, err)
		return nil, OutcomeMiss, err
	}

	entry.Fingerprint = fp
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = c.now()
	}
	// admit before releasing the coalescing slot: a caller arriving as
	// the slot clears must find the entry in the exact index
	c.admit(ctx, entry, vec)
	c.finishInflight(fp, call, entry, nil)
	return entry, OutcomeMiss, nil
}

func (c *Cache) finishInflight(fp string, call *inflightCall, entry *Entry, err error) {
	call.entry = entry
	call.err = err
	c.mu.Lock()
	delete(c.inflight, fp)
	c.mu.Unlock()
	close(call.done)
}

// admit inserts an entry, evicting least recently used entries until
// the byte budget holds. Entries larger than the whole budget are
// dropped rather than wiping the cache for one oversized value.
func (c *Cache) admit(ctx context.Context, entry *Entry, vec []float32) {
	size := entry.SizeBytes()
	if size > c.config.MaxBytes {
		c.logger.Warn("Cache entry exceeds byte budget, not cached", map[string]interface{}{
			"operation":  "cache_admit_skip",
			"size_bytes": size,
			"max_bytes":  c.config.MaxBytes,
		})
		return
	}

	c.mu.Lock()
	if elem, ok := c.entries[entry.Fingerprint]; ok {
		old := elem.Value.(*Entry)
		c.bytes -= old.SizeBytes()
		elem.Value = entry
		c.bytes += size
		c.lru.MoveToFront(elem)
		c.mu.Unlock()
		return
	}

	for c.bytes+size > c.config.MaxBytes {
		c.evictOldestLocked()
	}
	elem := c.lru.PushFront(entry)
	c.entries[entry.Fingerprint] = elem
	c.bytes += size
	c.stats.Entries = len(c.entries)
	c.stats.Bytes = c.bytes

	if c.semantic != nil && vec != nil {
		c.semantic.add(entry.Fingerprint, vec, entry.Model, entry.Tier, entry.CreatedAt)
	}
	c.mu.Unlock()

	if c.config.Store != nil {
		c.storePersist(ctx, entry)
	}
}

// evictOldestLocked removes the least recently used entry. The
// semantic index entry goes with it so stale fingerprints can never
// be returned by similarity lookup.
func (c *Cache) evictOldestLocked() {
	elem := c.lru.Back()
	if elem == nil {
		return
	}
	entry := elem.Value.(*Entry)
	c.lru.Remove(elem)
	delete(c.entries, entry.Fingerprint)
	c.bytes -= entry.SizeBytes()
	c.stats.Evictions++
	c.stats.Entries = len(c.entries)
	c.stats.Bytes = c.bytes
	if c.semantic != nil {
		c.semantic.remove(entry.Fingerprint)
	}
}

// semanticLookupLocked finds a similar cached entry for the same
// model and tier. Called with c.mu held.
func (c *Cache) semanticLookupLocked(vec []float32, key Key) *Entry {
	fp := c.semantic.lookup(vec, key.Model, key.Tier, c.now())
	if fp == "" {
		return nil
	}
	elem, ok := c.entries[fp]
	if !ok {
		c.semantic.remove(fp)
		return nil
	}
	c.lru.MoveToFront(elem)
	return elem.Value.(*Entry)
}

func (c *Cache) storeLookup(ctx context.Context, fp string) (*Entry, bool) {
	entry, err := c.config.Store.Get(ctx, fp)
	if err != nil {
		c.warnStore("cache_store_get_error", err)
		return nil, false
	}
	return entry, entry != nil
}

func (c *Cache) storePersist(ctx context.Context, entry *Entry) {
	if err := c.config.Store.Put(ctx, entry); err != nil {
		c.warnStore("cache_store_put_error", err)
	}
}

// warnStore logs the first persistent-store failure at warn level and
// the rest at debug so a dead backend cannot flood the logs.
func (c *Cache) warnStore(op string, err error) {
	c.mu.Lock()
	warned := c.storeWarned
	c.storeWarned = true
	c.mu.Unlock()

	fields := map[string]interface{}{
		"operation": op,
		"error":     err.Error(),
		"degraded":  true,
	}
	if warned {
		c.logger.Debug("Cache store unavailable, serving from memory only", fields)
	} else {
		c.logger.Warn("Cache store unavailable, serving from memory only", fields)
	}
}

// warnEmbed logs the first embedder failure at warn level and the
// rest at debug; semantic lookups degrade to exact-only either way.
func (c *Cache) warnEmbed(err error) {
	c.mu.Lock()
	warned := c.embedWarned
	c.embedWarned = true
	c.mu.Unlock()

	fields := map[string]interface{}{
		"operation": "cache_embed_error",
		"error":     err.Error(),
	}
	if warned {
		c.logger.Debug("Embedding failed, exact lookup only", fields)
	} else {
		c.logger.Warn("Embedding failed, exact lookup only", fields)
	}
}

// Stats returns a snapshot of cache counters
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.stats
	s.Entries = len(c.entries)
	s.Bytes = c.bytes
	return s
}

// Clear drops every cached entry and resets counters
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*list.Element)
	c.lru.Init()
	c.bytes = 0
	c.stats = Stats{MaxBytes: c.config.MaxBytes}
	if c.semantic != nil {
		c.semantic.clear()
	}
}
