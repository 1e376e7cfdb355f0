// Package replyctx implements the reply-context cache: a bounded,
// time-expiring index from message id to a short summary of that message,
// used to thread later events onto earlier ones.
//
// The cache is purely auxiliary. Losing it degrades reply threading but never
// fails the pipeline, so every lookup returns (entry, ok) and never an error.
package replyctx

import (
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"

	"github.com/glebis/telegram-agent-sub000/pkg/tgagent/channels"
	"github.com/glebis/telegram-agent-sub000/pkg/tgagent/metrics"
)

const (
	defaultCapacity = 1000
	defaultTTL      = 24 * time.Hour

	// maxSummaryRunes caps stored summaries.
	maxSummaryRunes = 500

	// lockStripes is the number of per-key lock stripes.
	lockStripes = 64
)

// Config holds the reply-context cache configuration.
type Config struct {
	// Capacity is the maximum number of entries (default: 1000).
	Capacity int `yaml:"capacity"`

	// TTL is how long an entry stays resolvable (default: 24h).
	TTL time.Duration `yaml:"ttl"`

	// SweepSchedule is the cron schedule of the purge pass (default: "@every 10m").
	SweepSchedule string `yaml:"sweep_schedule"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Capacity:      defaultCapacity,
		TTL:           defaultTTL,
		SweepSchedule: "@every 10m",
	}
}

// Entry is the cached context of one message.
type Entry struct {
	MessageID string
	Summary   string
	Kind      channels.EventKind
	CreatedAt time.Time
}

// Extractor derives a summary for a message the cache does not know, e.g.
// from the quoted text a transport forwards along with a reply.
type Extractor func() (summary string, kind channels.EventKind, ok bool)

// Cache is safe for concurrent use.
type Cache struct {
	entries *lru.Cache[string, Entry]
	ttl     time.Duration
	now     func() time.Time

	// stripes serialize compound operations on the same message id.
	stripes [lockStripes]sync.Mutex
	group   singleflight.Group

	metrics *metrics.Metrics
	logger  *slog.Logger
}

// New creates a cache. m may be nil.
func New(cfg Config, logger *slog.Logger, m *metrics.Metrics) (*Cache, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Capacity <= 0 {
		cfg.Capacity = defaultCapacity
	}
	if cfg.TTL <= 0 {
		cfg.TTL = defaultTTL
	}

	entries, err := lru.New[string, Entry](cfg.Capacity)
	if err != nil {
		return nil, fmt.Errorf("creating reply cache: %w", err)
	}
	return &Cache{
		entries: entries,
		ttl:     cfg.TTL,
		now:     time.Now,
		metrics: m,
		logger:  logger.With("component", "replyctx"),
	}, nil
}

// Record inserts or overwrites the entry for messageID, stamping it with the
// current time. When the cache is full the oldest entry is evicted.
func (c *Cache) Record(messageID, summary string, kind channels.EventKind) Entry {
	mu := c.lockFor(messageID)
	mu.Lock()
	defer mu.Unlock()
	return c.record(messageID, summary, kind)
}

func (c *Cache) record(messageID, summary string, kind channels.EventKind) Entry {
	e := Entry{
		MessageID: messageID,
		Summary:   truncateRunes(summary, maxSummaryRunes),
		Kind:      kind,
		CreatedAt: c.now(),
	}
	// Add moves an existing key to the front, so recency tracks creation
	// time as long as reads go through Peek.
	if evicted := c.entries.Add(messageID, e); evicted {
		c.logger.Debug("reply cache full, evicted oldest entry")
	}
	c.metrics.ReplyEntries(c.entries.Len())
	return e
}

// Resolve returns the entry for messageID if present and not expired.
func (c *Cache) Resolve(messageID string) (Entry, bool) {
	e, result := c.lookup(messageID)
	c.metrics.ReplyLookup(result)
	return e, result == "hit"
}

// ResolveOrSynthesize behaves like Resolve, but on a miss asks extract for a
// summary and records it so later lookups hit. Concurrent synthesis for the
// same id runs extract once.
func (c *Cache) ResolveOrSynthesize(messageID string, extract Extractor) (Entry, bool) {
	e, result := c.lookup(messageID)
	if result == "hit" || extract == nil {
		c.metrics.ReplyLookup(result)
		return e, result == "hit"
	}

	v, _, _ := c.group.Do(messageID, func() (any, error) {
		mu := c.lockFor(messageID)
		mu.Lock()
		defer mu.Unlock()

		// Another caller may have recorded it while we waited.
		if e, r := c.lookup(messageID); r == "hit" {
			return &e, nil
		}
		summary, kind, ok := extract()
		if !ok || summary == "" {
			return (*Entry)(nil), nil
		}
		if kind == "" {
			kind = channels.KindText
		}
		e := c.record(messageID, summary, kind)
		return &e, nil
	})

	synth, _ := v.(*Entry)
	if synth == nil {
		c.metrics.ReplyLookup(result)
		return Entry{}, false
	}
	c.metrics.ReplyLookup("synthesized")
	return *synth, true
}

// Purge removes expired entries and returns how many were dropped.
func (c *Cache) Purge() int {
	now := c.now()
	removed := 0
	// Keys are ordered oldest to newest.
	for _, id := range c.entries.Keys() {
		e, ok := c.entries.Peek(id)
		if !ok {
			continue
		}
		if !c.expired(e, now) {
			break
		}
		mu := c.lockFor(id)
		mu.Lock()
		if cur, ok := c.entries.Peek(id); ok && c.expired(cur, now) {
			c.entries.Remove(id)
			removed++
		}
		mu.Unlock()
	}
	c.metrics.ReplyEntries(c.entries.Len())
	return removed
}

// Len returns the number of stored entries, including expired ones not yet
// purged.
func (c *Cache) Len() int {
	return c.entries.Len()
}

// lookup returns the entry and the lookup result label.
func (c *Cache) lookup(messageID string) (Entry, string) {
	if messageID == "" {
		return Entry{}, "miss"
	}
	e, ok := c.entries.Peek(messageID)
	if !ok {
		return Entry{}, "miss"
	}
	if c.expired(e, c.now()) {
		return Entry{}, "expired"
	}
	return e, "hit"
}

func (c *Cache) expired(e Entry, now time.Time) bool {
	return now.After(e.CreatedAt.Add(c.ttl))
}

func (c *Cache) lockFor(messageID string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(messageID))
	return &c.stripes[h.Sum32()%lockStripes]
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "…"
}
