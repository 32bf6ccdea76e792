package kvcache

import (
	"fmt"

	"github.com/samcharles93/fusedllm/internal/attention"
	"github.com/samcharles93/fusedllm/internal/kernels"
	"github.com/samcharles93/fusedllm/internal/logger"
	"github.com/samcharles93/fusedllm/internal/tensor"
)

// Manager runs attention for one layer against its cache tuple.
type Manager struct {
	Exec *kernels.Exec
	Log  logger.Logger
}

// Attend computes attention of q over the cached history extended by k and
// v (all [B, N, S, H]) and returns the context with the updated tuple. A nil
// cache attends over k and v alone. The store of an indirect cache is
// written in place; every other input is left untouched.
func (m *Manager) Attend(q, k, v, mask *tensor.Tensor, c *Cache) (*tensor.Tensor, *Cache, error) {
	if c.Indirect() {
		if c.Offset == 0 {
			return m.fill(q, k, v, mask, c)
		}
		return m.step(q, k, v, mask, c)
	}

	next := &Cache{Key: k, Value: v}
	if c.Len() > 0 {
		var err error
		if next.Key, err = concat(c.Key, k, c.Select); err != nil {
			return nil, nil, err
		}
		if next.Value, err = concat(c.Value, v, c.Select); err != nil {
			return nil, nil, err
		}
	}
	ctx, err := attention.Prefill(m.Exec, q, next.Key, next.Value, mask)
	if err != nil {
		return nil, nil, err
	}
	return ctx, next, nil
}

// fill prefills the first step and allocates the store with room for
// KVCacheIncrement further tokens.
func (m *Manager) fill(q, k, v, mask *tensor.Tensor, c *Cache) (*tensor.Tensor, *Cache, error) {
	ctx, err := attention.Prefill(m.Exec, q, k, v, mask)
	if err != nil {
		return nil, nil, err
	}
	B, S := k.Dim(0), k.Dim(2)
	capacity := S + m.Exec.Tuning.KVCacheIncrement
	next := &Cache{
		Key:        k,
		Value:      v,
		Beam:       IdentityBeams(capacity, B),
		Offset:     S,
		KeyStore:   resize(k, capacity, S),
		ValueStore: resize(v, capacity, S),
		indirect:   true,
	}
	return ctx, next, nil
}

// step decodes one token against the store, growing it first when full.
func (m *Manager) step(q, k, v, mask *tensor.Tensor, c *Cache) (*tensor.Tensor, *Cache, error) {
	if k.Rank() != 4 || k.Dim(2) != 1 {
		return nil, nil, fmt.Errorf("%w: decode takes one token per step, got %v", ErrCacheTuple, k.Shape())
	}
	if c.KeyStore == nil || c.ValueStore == nil || len(c.Beam) != c.KeyStore.Dim(2) {
		return nil, nil, fmt.Errorf("%w: store missing or beam table out of step", ErrCacheTuple)
	}
	B := k.Dim(0)
	if c.KeyStore.Dim(0) != B {
		return nil, nil, fmt.Errorf("%w: store batch %d, step batch %d", ErrCacheTuple, c.KeyStore.Dim(0), B)
	}
	next := *c
	offset := c.Offset
	if capacity := c.Capacity(); capacity <= offset {
		inc := m.Exec.Tuning.KVCacheIncrement
		logger.OrNop(m.Log).Warn("reallocating kv cache, consider increasing kv_cache_increment",
			"offset", offset, "capacity", capacity, "increment", inc)
		grown := offset + inc
		next.KeyStore = resize(c.KeyStore, grown, offset)
		next.ValueStore = resize(c.ValueStore, grown, offset)
		next.Beam = c.Beam.Grow(grown, B, offset)
	}

	beams := TraceBeams(next.Beam, B, offset)
	ctx, err := attention.Decode(m.Exec, q, k, v, mask, next.KeyStore, next.ValueStore, beams, offset)
	if err != nil {
		return nil, nil, err
	}
	next.Key, next.Value = k, v
	next.Offset = offset + 1
	return ctx, &next, nil
}
