package driftline

import (
	"encoding/json"
	"fmt"
	"hash/fnv"
	"log"
	"sync"
	"time"
)

// ============================================================================
// Scopes and freshness
// ============================================================================

// Scope names a cache partition.
type Scope string

const (
	ScopeUserChannels   Scope = "userChannels"
	ScopePublicChannels Scope = "publicChannels"
)

// persisted key layout: one blob per scope plus a single metadata blob.
const (
	keyUserChannels   = "driftline.channels.user"
	keyPublicChannels = "driftline.channels.public"
	keyCacheMeta      = "driftline.cache.meta"
)

func dataKey(scope Scope) string {
	if scope == ScopePublicChannels {
		return keyPublicChannels
	}
	return keyUserChannels
}

// ScopeState is the freshness state of a cached scope.
type ScopeState string

const (
	ScopeEmpty         ScopeState = "empty"
	ScopeHydratedStale ScopeState = "hydrated_stale"
	ScopeLoading       ScopeState = "loading"
	ScopeFresh         ScopeState = "fresh"
	ScopeError         ScopeState = "error"
)

// ScopeMeta is the per-scope freshness metadata, persisted alongside the
// payload. ContentHash is a cheap fingerprint used only as a change-detection
// heuristic; correctness never depends on it.
type ScopeMeta struct {
	Timestamp   time.Time `json:"timestamp"`
	OwnerKey    string    `json:"ownerKey"`
	ContentHash string    `json:"contentHash"`
}

// CacheConfig holds the two freshness thresholds. TTL is the soft threshold
// that triggers a background refresh; HardMissWindow is the hard threshold
// that forces a synchronous refetch.
type CacheConfig struct {
	TTL            time.Duration
	HardMissWindow time.Duration
}

const (
	DefaultTTL            = 5 * time.Minute
	DefaultHardMissWindow = 30 * time.Minute
)

func (c *CacheConfig) defaults() {
	if c.TTL == 0 {
		c.TTL = DefaultTTL
	}
	if c.HardMissWindow == 0 {
		c.HardMissWindow = DefaultHardMissWindow
	}
}

// ============================================================================
// CacheController
// ============================================================================

type scopeEntry struct {
	state       ScopeState
	data        []byte
	meta        ScopeMeta
	invalidated bool
	refreshing  bool
}

// CacheController owns the freshness state machine over cached scopes and
// mediates every read and write of the persistent store. It is a process-wide
// singleton from the sync components' point of view: all consumers share one
// freshness state per scope.
type CacheController struct {
	store BlobStore
	cfg   CacheConfig
	now   func() time.Time

	mu     sync.Mutex
	scopes map[Scope]*scopeEntry
}

// NewCacheController hydrates both channel scopes from the store and returns
// the controller. A nil config uses the default thresholds.
func NewCacheController(store BlobStore, cfg *CacheConfig) *CacheController {
	c := &CacheController{
		store:  store,
		now:    time.Now,
		scopes: make(map[Scope]*scopeEntry),
	}
	if cfg != nil {
		c.cfg = *cfg
	}
	c.cfg.defaults()

	meta := c.loadMeta()
	for _, scope := range []Scope{ScopeUserChannels, ScopePublicChannels} {
		entry := &scopeEntry{state: ScopeEmpty}
		if data := store.Get(dataKey(scope)); data != nil {
			entry.data = data
			entry.meta = meta[scope]
			entry.state = ScopeHydratedStale
		}
		c.scopes[scope] = entry
	}
	return c
}

func (c *CacheController) loadMeta() map[Scope]ScopeMeta {
	meta := make(map[Scope]ScopeMeta)
	raw := c.store.Get(keyCacheMeta)
	if raw == nil {
		return meta
	}
	if err := json.Unmarshal(raw, &meta); err != nil {
		log.Printf("driftline: cache: corrupt metadata blob, ignoring: %v", err)
		return make(map[Scope]ScopeMeta)
	}
	return meta
}

func (c *CacheController) storeMeta() {
	meta := make(map[Scope]ScopeMeta)
	for scope, entry := range c.scopes {
		if entry.data != nil {
			meta[scope] = entry.meta
		}
	}
	raw, err := json.Marshal(meta)
	if err != nil {
		log.Printf("driftline: cache: marshal metadata failed: %v", err)
		return
	}
	c.store.Set(keyCacheMeta, raw)
}

func (c *CacheController) entry(scope Scope) *scopeEntry {
	e, ok := c.scopes[scope]
	if !ok {
		e = &scopeEntry{state: ScopeEmpty}
		c.scopes[scope] = e
	}
	return e
}

// State returns the scope's current freshness state.
func (c *CacheController) State(scope Scope) ScopeState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.entry(scope).state
}

// Read returns the cached payload bytes for the scope, or nil.
func (c *CacheController) Read(scope Scope) []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.entry(scope).data
}

// IsStale reports whether the scope is past the soft TTL.
func (c *CacheController) IsStale(scope Scope) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := c.entry(scope)
	if e.data == nil {
		return true
	}
	return c.now().Sub(e.meta.Timestamp) > c.cfg.TTL
}

// IsHardMiss reports whether the cached scope is unusable for the given
// owner: no data, explicitly invalidated, past the hard-miss window, or
// bound to a different owner key.
func (c *CacheController) IsHardMiss(scope Scope, ownerKey string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hardMissLocked(c.entry(scope), ownerKey)
}

func (c *CacheController) hardMissLocked(e *scopeEntry, ownerKey string) bool {
	if e.data == nil || e.invalidated {
		return true
	}
	if c.now().Sub(e.meta.Timestamp) > c.cfg.HardMissWindow {
		return true
	}
	return e.meta.OwnerKey != ownerKey
}

// Usable reports whether a fetch for ownerKey may be served from cache.
func (c *CacheController) Usable(scope Scope, ownerKey string) bool {
	return !c.IsHardMiss(scope, ownerKey)
}

// MarkLoading moves the scope to the loading state ahead of a blocking fetch.
func (c *CacheController) MarkLoading(scope Scope) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entry(scope).state = ScopeLoading
}

// Commit stores a fresh payload for the scope: data first, then metadata, so
// a reader never observes metadata newer than the data it describes.
func (c *CacheController) Commit(scope Scope, ownerKey string, data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e := c.entry(scope)
	e.data = data
	e.meta = ScopeMeta{
		Timestamp:   c.now(),
		OwnerKey:    ownerKey,
		ContentHash: contentHash(data),
	}
	e.state = ScopeFresh
	e.invalidated = false

	c.store.Set(dataKey(scope), data)
	c.storeMeta()
}

// Rewrite replaces the cached payload without touching the scope's freshness
// clock. Optimistic local mutations go through here so a purely local write
// cannot defer server revalidation by a full TTL window.
func (c *CacheController) Rewrite(scope Scope, ownerKey string, data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e := c.entry(scope)
	e.data = data
	e.meta.OwnerKey = ownerKey
	e.meta.ContentHash = contentHash(data)

	c.store.Set(dataKey(scope), data)
	c.storeMeta()
}

// Fail moves the scope to the error state. Previously cached data is left
// untouched and remains servable on the next call.
func (c *CacheController) Fail(scope Scope) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entry(scope).state = ScopeError
}

// Invalidate forces the next freshness check to report a hard miss without
// deleting the cached bytes, so a stale value can still be shown momentarily
// if the subsequent fetch also fails.
func (c *CacheController) Invalidate(scope Scope) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entry(scope).invalidated = true
}

// Sweep purges any scope whose metadata timestamp exceeds the hard-miss
// window. Intended to run when the host regains foreground visibility, to
// bound growth of stale persisted data.
func (c *CacheController) Sweep() {
	c.mu.Lock()
	defer c.mu.Unlock()

	swept := false
	for scope, e := range c.scopes {
		if e.data == nil {
			continue
		}
		if c.now().Sub(e.meta.Timestamp) > c.cfg.HardMissWindow {
			c.store.Remove(dataKey(scope))
			e.data = nil
			e.meta = ScopeMeta{}
			e.state = ScopeEmpty
			swept = true
		}
	}
	if swept {
		c.storeMeta()
	}
}

// TryBeginRefresh claims the scope's in-flight refresh guard. It returns
// false when a refresh is already running; the caller must skip scheduling a
// duplicate. A successful claim must be released with EndRefresh when the
// refresh settles, success or failure.
func (c *CacheController) TryBeginRefresh(scope Scope) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := c.entry(scope)
	if e.refreshing {
		return false
	}
	e.refreshing = true
	return true
}

// EndRefresh releases the scope's in-flight refresh guard.
func (c *CacheController) EndRefresh(scope Scope) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entry(scope).refreshing = false
}

// contentHash returns a cheap FNV-1a fingerprint of the serialized payload.
func contentHash(data []byte) string {
	h := fnv.New64a()
	h.Write(data)
	return fmt.Sprintf("%016x", h.Sum64())
}
