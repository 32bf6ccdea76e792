// Package kvcache manages the per-layer key/value cache carried between
// decoding steps: plain concatenation for single-shot use, and a
// preallocated, beam-indexed store that grows on demand.
package kvcache

import (
	"errors"
	"fmt"

	"github.com/samcharles93/fusedllm/internal/tensor"
)

var ErrCacheTuple = errors.New("kvcache: malformed cache tuple")

// Cache is the per-layer cache tuple. Its length is 0 (nil), 2 (Key,
// Value), 3 (Key, Value, Select) or 6 (Key, Value, Beam, Offset, KeyStore,
// ValueStore).
//
// In the 2/3 forms Key and Value are the full history, [B, N, S, H]. Select,
// when set, picks the history batch row of every output row at the next
// step.
//
// In the 6 form the history lives in KeyStore and ValueStore ([B, N,
// Capacity, H]) with Offset positions filled, and Key and Value hold the
// keys and values of the latest step.
type Cache struct {
	Key, Value *tensor.Tensor
	Select     []int

	Beam                 BeamTable
	Offset               int
	KeyStore, ValueStore *tensor.Tensor

	indirect bool
}

// NewIndirect returns the empty 6-tuple: the first step prefills and
// allocates the store, later steps decode one token at a time.
func NewIndirect() *Cache {
	return &Cache{indirect: true}
}

// Simple wraps an existing history as a 2-tuple.
func Simple(key, value *tensor.Tensor) *Cache {
	return &Cache{Key: key, Value: value}
}

// Len is the tuple length.
func (c *Cache) Len() int {
	switch {
	case c == nil:
		return 0
	case c.indirect:
		return 6
	case c.Select != nil:
		return 3
	case c.Key.Empty() && c.Value.Empty():
		return 0
	}
	return 2
}

// Indirect reports whether c uses the preallocated store.
func (c *Cache) Indirect() bool { return c != nil && c.indirect }

// Capacity is the number of positions the store can hold.
func (c *Cache) Capacity() int {
	if !c.Indirect() || c.KeyStore == nil {
		return 0
	}
	return c.KeyStore.Dim(2)
}

// SeqLen is the number of cached positions.
func (c *Cache) SeqLen() int {
	switch {
	case c.Len() == 0:
		return 0
	case c.indirect:
		return c.Offset
	}
	return c.Key.Dim(2)
}

// Keys returns the cached keys as [B, N, SeqLen, H].
func (c *Cache) Keys() *tensor.Tensor {
	if !c.Indirect() {
		if c == nil {
			return nil
		}
		return c.Key
	}
	return prefix(c.KeyStore, c.Offset)
}

// Values returns the cached values as [B, N, SeqLen, H].
func (c *Cache) Values() *tensor.Tensor {
	if !c.Indirect() {
		if c == nil {
			return nil
		}
		return c.Value
	}
	return prefix(c.ValueStore, c.Offset)
}

// ReorderBeams records that active beam b continues from batch row
// parents[b]. For the store this rewrites the newest beam table row; for a
// plain history it selects rows at the next concatenation.
func (c *Cache) ReorderBeams(parents []int) error {
	if c.Len() == 0 {
		return fmt.Errorf("%w: nothing cached to reorder", ErrCacheTuple)
	}
	var batch int
	if c.indirect {
		if c.Offset == 0 {
			return fmt.Errorf("%w: nothing cached to reorder", ErrCacheTuple)
		}
		batch = c.KeyStore.Dim(0)
	} else {
		batch = c.Key.Dim(0)
	}
	if c.indirect && len(parents) != batch {
		return fmt.Errorf("%w: %d parents for %d beams", ErrCacheTuple, len(parents), batch)
	}
	for i, p := range parents {
		if p < 0 || p >= batch {
			return fmt.Errorf("%w: beam %d parent %d out of range", ErrCacheTuple, i, p)
		}
	}
	if c.indirect {
		copy(c.Beam[c.Offset-1], parents)
		return nil
	}
	c.Select = append([]int(nil), parents...)
	return nil
}

// prefix copies the first n positions of a [B, N, Capacity, H] store.
func prefix(store *tensor.Tensor, n int) *tensor.Tensor {
	if store == nil {
		return nil
	}
	B, N, C, H := store.Dim(0), store.Dim(1), store.Dim(2), store.Dim(3)
	out := tensor.New(store.DType(), B, N, n, H)
	src, dst := store.Data(), out.Data()
	for bn := 0; bn < B*N; bn++ {
		copy(dst[bn*n*H:(bn+1)*n*H], src[bn*C*H:bn*C*H+n*H])
	}
	return out
}

// resize copies the first n positions of store into a new store of the
// given capacity.
func resize(store *tensor.Tensor, capacity, n int) *tensor.Tensor {
	B, N, C, H := store.Dim(0), store.Dim(1), store.Dim(2), store.Dim(3)
	out := tensor.New(store.DType(), B, N, capacity, H)
	src, dst := store.Data(), out.Data()
	for bn := 0; bn < B*N; bn++ {
		copy(dst[bn*capacity*H:bn*capacity*H+n*H], src[bn*C*H:bn*C*H+n*H])
	}
	return out
}

// concat appends cur to past along the sequence axis. With sel, output
// batch row b continues past row sel[b].
func concat(past, cur *tensor.Tensor, sel []int) (*tensor.Tensor, error) {
	if past.Rank() != 4 || cur.Rank() != 4 {
		return nil, fmt.Errorf("%w: history %v, step %v", ErrCacheTuple, past.Shape(), cur.Shape())
	}
	B, N, S2, H := cur.Dim(0), cur.Dim(1), cur.Dim(2), cur.Dim(3)
	S1 := past.Dim(2)
	if past.Dim(1) != N || past.Dim(3) != H || past.DType() != cur.DType() {
		return nil, fmt.Errorf("%w: history %v %s, step %v %s", ErrCacheTuple, past.Shape(), past.DType(), cur.Shape(), cur.DType())
	}
	if sel == nil && past.Dim(0) != B {
		return nil, fmt.Errorf("%w: history batch %d, step batch %d", ErrCacheTuple, past.Dim(0), B)
	}
	if sel != nil && len(sel) != B {
		return nil, fmt.Errorf("%w: %d selected rows for batch %d", ErrCacheTuple, len(sel), B)
	}
	S := S1 + S2
	out := tensor.New(cur.DType(), B, N, S, H)
	pd, cd, od := past.Data(), cur.Data(), out.Data()
	for b := 0; b < B; b++ {
		src := b
		if sel != nil {
			src = sel[b]
			if src < 0 || src >= past.Dim(0) {
				return nil, fmt.Errorf("%w: selected row %d of %d", ErrCacheTuple, src, past.Dim(0))
			}
		}
		for n := 0; n < N; n++ {
			o := (b*N + n) * S * H
			copy(od[o:o+S1*H], pd[(src*N+n)*S1*H:(src*N+n+1)*S1*H])
			copy(od[o+S1*H:o+S*H], cd[(b*N+n)*S2*H:(b*N+n+1)*S2*H])
		}
	}
	return out, nil
}
