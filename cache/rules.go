package cache

import (
	"container/list"
	"errors"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/jonwraymond/ruleops/fault"
)

// RuleCacheConfig configures a RuleCache.
type RuleCacheConfig struct {
	// MaxSize bounds the number of cached rules.
	// Default: 1000
	MaxSize int

	// OnEvict is called, outside the cache lock, for every rule evicted to
	// make room.
	OnEvict func(id string)
}

// RuleCache stores rule content and metadata keyed by rule id.
//
// Contract:
// - Concurrency: safe for concurrent use.
// - Eviction: FIFO by insertion order; overwriting a rule moves it to the back.
// - Errors: Get and Metadata never fail; they report presence with a bool.
// - Ownership: content passed to Set is copied; content returned by Get is
// the stored slice and must not be modified.
type RuleCache struct {
	maxSize int
	onEvict func(id string)

	mu         sync.RWMutex
	entries    map[string]*list.Element
	order      *list.List
	generation uint64
	index      *TagIndex
	indexGen   uint64

	hits        atomic.Int64
	misses      atomic.Int64
	evictions   atomic.Int64
	indexBuilds atomic.Int64
}

type ruleEntry struct {
	id    string
	entry Entry
}

// NewRuleCache creates an empty rule cache.
func NewRuleCache(config RuleCacheConfig) *RuleCache {
	if config.MaxSize <= 0 {
		config.MaxSize = 1000
	}
	return &RuleCache{
		maxSize: config.MaxSize,
		onEvict: config.OnEvict,
		entries: make(map[string]*list.Element),
		order:   list.New(),
	}
}

// Get returns the content of rule id.
func (c *RuleCache) Get(id string) ([]byte, bool) {
	e, ok := c.Entry(id)
	return e.Content, ok
}

// Entry returns the content and metadata of rule id.
func (c *RuleCache) Entry(id string) (Entry, bool) {
	c.mu.RLock()
	el, ok := c.entries[id]
	var e Entry
	if ok {
		e = el.Value.(*ruleEntry).entry
	}
	c.mu.RUnlock()

	if ok {
		c.hits.Add(1)
	} else {
		c.misses.Add(1)
	}
	return e, ok
}

// Metadata returns the metadata of rule id.
func (c *RuleCache) Metadata(id string) (RuleMetadata, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	el, ok := c.entries[id]
	if !ok {
		return RuleMetadata{}, false
	}
	return el.Value.(*ruleEntry).entry.Metadata, true
}

// AllMetadata returns the metadata of every cached rule.
func (c *RuleCache) AllMetadata() map[string]RuleMetadata {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]RuleMetadata, len(c.entries))
	for id, el := range c.entries {
		out[id] = el.Value.(*ruleEntry).entry.Metadata
	}
	return out
}

// Set stores content and metadata for rule id, replacing any previous
// entry. The metadata id is forced to id; a zero checksum is computed.
func (c *RuleCache) Set(id string, content []byte, meta RuleMetadata) error {
	if err := validateRuleID(id); err != nil {
		return err
	}

	c.mu.Lock()
	evicted := c.setLocked(id, content, meta)
	c.generation++
	c.mu.Unlock()

	c.notifyEvicted(evicted)
	return nil
}

// SetMultiple stores every entry, keyed by rule id. Ids are validated
// before anything is stored and inserted in sorted order so eviction is
// deterministic.
func (c *RuleCache) SetMultiple(entries map[string]Entry) error {
	var errs []error
	ids := make([]string, 0, len(entries))
	for id := range entries {
		if err := validateRuleID(id); err != nil {
			errs = append(errs, err)
			continue
		}
		ids = append(ids, id)
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	slices.Sort(ids)

	var evicted []string
	c.mu.Lock()
	for _, id := range ids {
		e := entries[id]
		evicted = append(evicted, c.setLocked(id, e.Content, e.Metadata)...)
	}
	c.generation++
	c.mu.Unlock()

	c.notifyEvicted(evicted)
	return nil
}

func (c *RuleCache) setLocked(id string, content []byte, meta RuleMetadata) []string {
	stored := Entry{
		Metadata: meta.normalized(id, content),
		Content:  slices.Clone(content),
	}

	if el, ok := c.entries[id]; ok {
		el.Value.(*ruleEntry).entry = stored
		c.order.MoveToBack(el)
		return nil
	}

	c.entries[id] = c.order.PushBack(&ruleEntry{id: id, entry: stored})

	var evicted []string
	for c.order.Len() > c.maxSize {
		front := c.order.Front()
		victim := front.Value.(*ruleEntry).id
		c.order.Remove(front)
		delete(c.entries, victim)
		evicted = append(evicted, victim)
	}
	return evicted
}

func (c *RuleCache) notifyEvicted(ids []string) {
	if len(ids) == 0 {
		return
	}
	c.evictions.Add(int64(len(ids)))
	if c.onEvict == nil {
		return
	}
	for _, id := range ids {
		c.onEvict(id)
	}
}

// Delete removes rule id and reports whether it was present.
func (c *RuleCache) Delete(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.entries[id]
	if !ok {
		return false
	}
	c.order.Remove(el)
	delete(c.entries, id)
	c.generation++
	return true
}

// Clear removes every rule.
func (c *RuleCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*list.Element)
	c.order.Init()
	c.generation++
}

// Len returns the number of cached rules.
func (c *RuleCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// IDs returns the cached rule ids in eviction order, oldest first.
func (c *RuleCache) IDs() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, c.order.Len())
	for el := c.order.Front(); el != nil; el = el.Next() {
		out = append(out, el.Value.(*ruleEntry).id)
	}
	return out
}

// Generation increments on every mutation.
func (c *RuleCache) Generation() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.generation
}

// RulesByTags returns the sorted ids of rules carrying every tag in tags.
// An empty tag list, or any tag matching no rule, yields an empty result.
func (c *RuleCache) RulesByTags(tags []string) []string {
	return c.TagIndex().Match(tags)
}

// TagIndex returns the tag index for the current generation, rebuilding
// it if the cache changed since the last build.
func (c *RuleCache) TagIndex() *TagIndex {
	c.mu.RLock()
	ix, fresh := c.index, c.index != nil && c.indexGen == c.generation
	c.mu.RUnlock()
	if fresh {
		return ix
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.index != nil && c.indexGen == c.generation {
		return c.index
	}
	meta := make(map[string]RuleMetadata, len(c.entries))
	for id, el := range c.entries {
		meta[id] = el.Value.(*ruleEntry).entry.Metadata
	}
	c.index = BuildTagIndex(meta)
	c.indexGen = c.generation
	c.indexBuilds.Add(1)
	return c.index
}

// RuleCacheStats contains rule cache statistics.
type RuleCacheStats struct {
	Size        int    `json:"size"`
	MaxSize     int    `json:"max_size"`
	Generation  uint64 `json:"generation"`
	Hits        int64  `json:"hits"`
	Misses      int64  `json:"misses"`
	Evictions   int64  `json:"evictions"`
	IndexBuilds int64  `json:"index_builds"`
}

// Stats returns current statistics.
func (c *RuleCache) Stats() RuleCacheStats {
	c.mu.RLock()
	size, gen := len(c.entries), c.generation
	c.mu.RUnlock()
	return RuleCacheStats{
		Size:        size,
		MaxSize:     c.maxSize,
		Generation:  gen,
		Hits:        c.hits.Load(),
		Misses:      c.misses.Load(),
		Evictions:   c.evictions.Load(),
		IndexBuilds: c.indexBuilds.Load(),
	}
}

func validateRuleID(id string) error {
	if err := ValidateKey(id); err != nil {
		return fault.New(fault.KindCache, "cache.set", id, err)
	}
	return nil
}
