package wasm

import (
	"context"
	"crypto/sha256"
	"encoding/hex"

	"github.com/bluele/gcache"
	"github.com/rs/zerolog"

	"github.com/vhqtvn/krakatau-wasm/internal/codec"
)

// CachingEngine memoizes successful engine results. The engine is deterministic for a given
// request envelope, so the encoded request is the key.
type CachingEngine struct {
	next   Engine
	cache  gcache.Cache
	logger zerolog.Logger
}

// NewCachingEngine wraps next with an LRU of the given size. A size of zero or less returns
// next unchanged.
func NewCachingEngine(next Engine, size int, logger zerolog.Logger) Engine {
	if size <= 0 {
		return next
	}
	return &CachingEngine{
		next:   next,
		cache:  gcache.New(size).LRU().Build(),
		logger: logger.With().Str("component", "result-cache").Logger(),
	}
}

func (c *CachingEngine) Decompile(ctx context.Context, req codec.DecompileRequest) (string, error) {
	key, ok := c.key(req)
	if ok {
		if v, err := c.cache.Get(key); err == nil {
			c.logger.Debug().Str("key", key).Msg("decompile cache hit")
			return v.(string), nil
		}
	}

	out, err := c.next.Decompile(ctx, req)
	if err != nil {
		return "", err
	}
	if ok {
		_ = c.cache.Set(key, out)
	}
	return out, nil
}

// Assemble returns cached responses shared between callers; they must not be modified.
func (c *CachingEngine) Assemble(ctx context.Context, req codec.AssembleRequest) (*codec.Response, error) {
	key, ok := c.key(req)
	if ok {
		if v, err := c.cache.Get(key); err == nil {
			c.logger.Debug().Str("key", key).Msg("assemble cache hit")
			return v.(*codec.Response), nil
		}
	}

	resp, err := c.next.Assemble(ctx, req)
	if err != nil {
		return resp, err
	}
	if ok && resp != nil && resp.Success {
		_ = c.cache.Set(key, resp)
	}
	return resp, nil
}

// Len returns the number of cached results.
func (c *CachingEngine) Len() int {
	return c.cache.Len(false)
}

func (c *CachingEngine) key(req codec.Request) (string, bool) {
	payload, err := codec.Encode(req)
	if err != nil {
		return "", false
	}
	sum := sha256.Sum256(append([]byte(req.Operation()+":"), payload...))
	return hex.EncodeToString(sum[:]), true
}
