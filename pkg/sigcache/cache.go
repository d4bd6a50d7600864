// Package sigcache implements the thought-signature cache (spec §4.2):
// per-tool-use-id, per-user "last signature" fallback, and
// assistant-content-hash fallback, each backed by an in-memory LRU
// plus an optional durable store for cross-restart survival.
package sigcache

import (
	"container/list"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"sync"
	"time"
)

// Kind namespaces a cached row. Each kind carries its own TTL.
type Kind string

const (
	KindToolThought        Kind = "tool_thought"        // in-memory only (spec: 4.2 op 1/2)
	KindThinking           Kind = "thinking"             // per tool_use_id
	KindLastThinking       Kind = "last_thinking"        // per user_id
	KindAssistantThinking  Kind = "assistant_thinking"   // per user_id+content hash
)

// Store is the durable persistence contract a caller may inject
// (spec §6.4's signature_cache table). A nil Store leaves the cache
// memory-only.
type Store interface {
	Upsert(kind Kind, cacheKey, signature string, savedAtMs int64) error
	Get(kind Kind, cacheKey string) (signature string, savedAtMs int64, ok bool, err error)
	DeleteOlderThan(kind Kind, cutoffMs int64) error
}

type entry struct {
	key       string
	signature string
	thought   string
	savedAt   time.Time
}

// lru is a small fixed-capacity LRU keyed by string, guarded by its
// own mutex so cache operations never block the account lock.
type lru struct {
	mu       sync.Mutex
	cap      int
	ttl      time.Duration
	items    map[string]*list.Element
	order    *list.List // front = most recently used
}

func newLRU(capacity int, ttl time.Duration) *lru {
	return &lru{cap: capacity, ttl: ttl, items: map[string]*list.Element{}, order: list.New()}
}

func (l *lru) get(key string) (entry, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	el, ok := l.items[key]
	if !ok {
		return entry{}, false
	}
	e := el.Value.(entry)
	if l.ttl > 0 && time.Since(e.savedAt) > l.ttl {
		l.order.Remove(el)
		delete(l.items, key)
		return entry{}, false
	}
	l.order.MoveToFront(el)
	return e, true
}

func (l *lru) set(e entry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if el, ok := l.items[e.key]; ok {
		l.order.MoveToFront(el)
		el.Value = e
		return
	}
	el := l.order.PushFront(e)
	l.items[e.key] = el
	if l.cap > 0 {
		for l.order.Len() > l.cap {
			oldest := l.order.Back()
			if oldest == nil {
				break
			}
			l.order.Remove(oldest)
			delete(l.items, oldest.Value.(entry).key)
		}
	}
}

// Config bounds each namespace's in-memory size and TTL. New applies
// no defaults: a zero TTL means entries never expire, and a zero Max
// means the namespace is never evicted by size.
type Config struct {
	ToolThoughtTTL    time.Duration
	ToolThoughtMax    int
	ThinkingTTL       time.Duration
	ThinkingMax       int
	LastTTL           time.Duration
	LastMax           int
	AssistantTTL      time.Duration
	AssistantMax      int
}

// Cache is the three-namespace signature cache described in spec
// §4.2. It is safe for concurrent use.
type Cache struct {
	store Store
	now   func() time.Time

	toolThought       *lru
	thinking          *lru
	lastThinking      *lru
	assistantThinking *lru

	cleanupMu   sync.Mutex
	lastCleanup time.Time
}

// New builds a Cache. store may be nil for memory-only operation.
func New(cfg Config, store Store) *Cache {
	return &Cache{
		store:             store,
		now:               time.Now,
		toolThought:       newLRU(cfg.ToolThoughtMax, cfg.ToolThoughtTTL),
		thinking:          newLRU(cfg.ThinkingMax, cfg.ThinkingTTL),
		lastThinking:      newLRU(cfg.LastMax, cfg.LastTTL),
		assistantThinking: newLRU(cfg.AssistantMax, cfg.AssistantTTL),
	}
}

// CacheToolThoughtSignature caches sig for a tool-use id, in-memory
// only, LRU-evicting past the namespace's MAX_ENTRIES.
func (c *Cache) CacheToolThoughtSignature(id, sig string) {
	c.toolThought.set(entry{key: id, signature: sig, savedAt: c.now()})
}

// GetCachedToolThoughtSignature returns sig if present and within TTL.
func (c *Cache) GetCachedToolThoughtSignature(id string) (string, bool) {
	e, ok := c.toolThought.get(id)
	if !ok {
		return "", false
	}
	return e.signature, true
}

// CacheClaudeThinkingSignature caches sig for tool_use_id, in-memory
// and (if configured) persisted.
func (c *Cache) CacheClaudeThinkingSignature(id, sig string) {
	now := c.now()
	c.thinking.set(entry{key: id, signature: sig, savedAt: now})
	c.persist(KindThinking, id, sig, now)
}

// GetCachedClaudeThinkingSignature checks memory first, then falls
// back to the durable store, expiring by TTL either way.
func (c *Cache) GetCachedClaudeThinkingSignature(id string) (string, bool) {
	return c.lookup(c.thinking, KindThinking, id)
}

// CacheClaudeLastThinkingSignature records the per-user fallback
// signature.
func (c *Cache) CacheClaudeLastThinkingSignature(userID, sig string) {
	now := c.now()
	c.lastThinking.set(entry{key: userID, signature: sig, savedAt: now})
	c.persist(KindLastThinking, userID, sig, now)
}

// GetCachedClaudeLastThinkingSignature returns the per-user fallback.
func (c *Cache) GetCachedClaudeLastThinkingSignature(userID string) (string, bool) {
	return c.lookup(c.lastThinking, KindLastThinking, userID)
}

// CacheClaudeAssistantSignature records a signature keyed by the
// content hash of an assistant message without thinking blocks, so a
// client that replays identical content (dropping thinking blocks)
// can still recover the signature.
func (c *Cache) CacheClaudeAssistantSignature(userID string, content any, sig string) {
	key := userID + ":" + HashContent(content)
	now := c.now()
	c.assistantThinking.set(entry{key: key, signature: sig, savedAt: now})
	c.persist(KindAssistantThinking, key, sig, now)
}

// GetCachedClaudeAssistantSignature recovers a signature for an
// identical historical assistant message.
func (c *Cache) GetCachedClaudeAssistantSignature(userID string, content any) (string, bool) {
	key := userID + ":" + HashContent(content)
	return c.lookup(c.assistantThinking, KindAssistantThinking, key)
}

func (c *Cache) lookup(mem *lru, kind Kind, key string) (string, bool) {
	if e, ok := mem.get(key); ok {
		return e.signature, true
	}
	if c.store == nil {
		return "", false
	}
	sig, savedAtMs, ok, err := c.store.Get(kind, key)
	if err != nil || !ok {
		return "", false
	}
	if ttl := mem.ttl; ttl > 0 {
		if c.now().Sub(time.UnixMilli(savedAtMs)) > ttl {
			return "", false
		}
	}
	mem.set(entry{key: key, signature: sig, savedAt: time.UnixMilli(savedAtMs)})
	return sig, true
}

func (c *Cache) persist(kind Kind, key, sig string, at time.Time) {
	if c.store == nil {
		return
	}
	_ = c.store.Upsert(kind, key, sig, at.UnixMilli())
}

// cleanupThrottle is the minimum interval between cleanup passes
// (spec §4.2: "at most once per 5 minutes").
const cleanupThrottle = 5 * time.Minute

// Cleanup removes persisted rows older than each namespace's TTL. It
// is a no-op if called again within cleanupThrottle of the last run,
// and a no-op entirely when no durable store is configured.
func (c *Cache) Cleanup() {
	if c.store == nil {
		return
	}
	c.cleanupMu.Lock()
	defer c.cleanupMu.Unlock()
	now := c.now()
	if !c.lastCleanup.IsZero() && now.Sub(c.lastCleanup) < cleanupThrottle {
		return
	}
	c.lastCleanup = now

	for kind, ttl := range map[Kind]time.Duration{
		KindThinking:          c.thinking.ttl,
		KindLastThinking:      c.lastThinking.ttl,
		KindAssistantThinking: c.assistantThinking.ttl,
	} {
		if ttl <= 0 {
			continue
		}
		cutoff := now.Add(-ttl).UnixMilli()
		_ = c.store.DeleteOlderThan(kind, cutoff)
	}
}

// HashContent computes sha256 over a stable serialisation of content:
// object keys sorted ascending, arrays preserved in order, no
// whitespace (spec §4.2).
func HashContent(content any) string {
	h := sha256.Sum256([]byte(stableJSON(content)))
	return hex.EncodeToString(h[:])
}

func stableJSON(v any) string {
	return string(marshalStable(v))
}

func marshalStable(v any) []byte {
	switch t := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out := []byte("{")
		for i, k := range keys {
			if i > 0 {
				out = append(out, ',')
			}
			kb, _ := json.Marshal(k)
			out = append(out, kb...)
			out = append(out, ':')
			out = append(out, marshalStable(t[k])...)
		}
		out = append(out, '}')
		return out
	case []any:
		out := []byte("[")
		for i, e := range t {
			if i > 0 {
				out = append(out, ',')
			}
			out = append(out, marshalStable(e)...)
		}
		out = append(out, ']')
		return out
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return []byte("null")
		}
		return b
	}
}
