// Package cache memoizes complete deliberation results in front of the
// orchestrator. A hit costs no model calls.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/singleflight"

	"council/internal/council"
	"council/internal/logging"
)

// Runner is the entry point the cache fronts
type Runner interface {
	Run(ctx context.Context, question string, opts council.Options) (*council.Result, error)
	Council() []string
}

// Stats is a snapshot of cache counters
type Stats struct {
	Hits    int64 `json:"hits"`
	Misses  int64 `json:"misses"`
	Entries int   `json:"entries"`
	Size    int   `json:"size"`
}

// HitRate returns hits over lookups, or 0 before any lookup
func (s Stats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}

// Cache is an LRU with per-entry TTL. Identical concurrent misses share one
// deliberation.
type Cache struct {
	runner  Runner
	entries *expirable.LRU[string, *council.Result]
	size    int
	group   singleflight.Group
	log     *logging.Logger

	hits   atomic.Int64
	misses atomic.Int64
}

// New creates a cache holding up to size results for ttl each
func New(runner Runner, size int, ttl time.Duration, log *logging.Logger) *Cache {
	if size <= 0 {
		size = 128
	}
	if log == nil {
		log = logging.Nop()
	}
	return &Cache{
		runner:  runner,
		entries: expirable.NewLRU[string, *council.Result](size, nil, ttl),
		size:    size,
		log:     log,
	}
}

// Key hashes everything that changes a deliberation's outcome
func Key(question string, members []string, opts council.Options) string {
	opts = opts.Normalize()
	sorted := append([]string(nil), members...)
	sort.Strings(sorted)

	samples := 0
	if opts.SelfSampling {
		samples = opts.SampleCount
	}

	h := sha256.New()
	fmt.Fprintf(h, "q=%s\x00council=%s\x00method=%s\x00rounds=%d\x00early=%t\x00samples=%d\x00rotate=%t\x00meta=%t\x00rubric=%t",
		question, strings.Join(sorted, ","), opts.VotingMethod, opts.DebateRounds,
		opts.EarlyExit, samples, opts.RotatingChairman, opts.MetaEvaluation, opts.Rubric)
	return hex.EncodeToString(h.Sum(nil))
}

// Run returns a cached result or deliberates and caches the outcome.
// Failed deliberations are never cached.
func (c *Cache) Run(ctx context.Context, question string, opts council.Options) (*council.Result, error) {
	if cached, ok := c.Lookup(question, opts); ok {
		return cached, nil
	}

	key := Key(question, c.runner.Council(), opts)
	v, err, shared := c.group.Do(key, func() (any, error) {
		result, err := c.runner.Run(ctx, question, opts)
		if err != nil {
			return nil, err
		}
		c.entries.Add(key, result)
		return result, nil
	})
	if err != nil {
		return nil, err
	}
	if shared {
		c.log.Debug("joined in-flight deliberation", "key", key[:12])
	}
	return v.(*council.Result), nil
}

// Lookup returns a copy of a cached result marked Cached
func (c *Cache) Lookup(question string, opts council.Options) (*council.Result, bool) {
	key := Key(question, c.runner.Council(), opts)
	result, ok := c.entries.Get(key)
	if !ok {
		c.misses.Add(1)
		return nil, false
	}
	c.hits.Add(1)
	c.log.Info("cache hit", "key", key[:12], "result_id", result.ID)

	hit := *result
	hit.Cached = true
	return &hit, true
}

// Store caches a result produced outside Run, such as by a stream
func (c *Cache) Store(result *council.Result) {
	if !result.Succeeded() {
		return
	}
	c.entries.Add(Key(result.Question, result.Council, result.Options), result)
}

// Council returns the fronted runner's council, so a Cache is itself a Runner
func (c *Cache) Council() []string {
	return c.runner.Council()
}

// Stats returns the current counters
func (c *Cache) Stats() Stats {
	return Stats{
		Hits:    c.hits.Load(),
		Misses:  c.misses.Load(),
		Entries: c.entries.Len(),
		Size:    c.size,
	}
}

// Purge drops every entry; counters are kept
func (c *Cache) Purge() {
	c.entries.Purge()
}
