// Package tokcache memoizes tokenization on top of an engine context.
// Chat hosts tokenize the same system prompt and stop strings over and over;
// the cache keeps those results for a while.
package tokcache

import (
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/jellydator/ttlcache/v3"

	"PocketLM/internal/engine"
)

const (
	DefaultTTL      = 10 * time.Minute
	DefaultCapacity = 256
)

// Options configures the cache. Zero values use the defaults.
type Options struct {
	TTL      time.Duration
	Capacity uint64
}

// Context wraps an engine.Context and caches Tokenize results keyed by an
// xxhash of the text and flags.
type Context struct {
	engine.Context
	cache *ttlcache.Cache[uint64, []int32]

	hits   atomic.Uint64
	misses atomic.Uint64
}

// Wrap returns ctx with a tokenization cache in front of it.
func Wrap(ctx engine.Context, opts Options) *Context {
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.Capacity == 0 {
		opts.Capacity = DefaultCapacity
	}
	cache := ttlcache.New(
		ttlcache.WithTTL[uint64, []int32](opts.TTL),
		ttlcache.WithCapacity[uint64, []int32](opts.Capacity),
		ttlcache.WithDisableTouchOnHit[uint64, []int32](),
	)
	return &Context{Context: ctx, cache: cache}
}

func key(text string, addBOS, parseSpecial bool) uint64 {
	h := xxhash.New()
	var flags [2]byte
	if addBOS {
		flags[0] = 1
	}
	if parseSpecial {
		flags[1] = 1
	}
	_, _ = h.Write(flags[:])
	_, _ = h.WriteString(text)
	return h.Sum64()
}

// Tokenize returns a copy of the cached ids or tokenizes and stores them.
func (c *Context) Tokenize(text string, addBOS, parseSpecial bool) ([]int32, error) {
	k := key(text, addBOS, parseSpecial)
	if item := c.cache.Get(k); item != nil {
		c.hits.Add(1)
		return append([]int32(nil), item.Value()...), nil
	}
	c.misses.Add(1)
	ids, err := c.Context.Tokenize(text, addBOS, parseSpecial)
	if err != nil {
		return nil, err
	}
	c.cache.Set(k, append([]int32(nil), ids...), ttlcache.DefaultTTL)
	return ids, nil
}

// ClearMemory drops cached tokenizations with the KV memory only when the
// model itself is released.
func (c *Context) ClearMemory(preserveModel bool) {
	if !preserveModel {
		c.cache.DeleteAll()
	}
	c.Context.ClearMemory(preserveModel)
}

// Close empties the cache and closes the wrapped context.
func (c *Context) Close() error {
	c.cache.DeleteAll()
	return c.Context.Close()
}

// Stats reports hits, misses and current entries.
func (c *Context) Stats() (hits, misses uint64, entries int) {
	return c.hits.Load(), c.misses.Load(), c.cache.Len()
}
