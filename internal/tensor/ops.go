package tensor

import (
	"errors"
	"fmt"
)

var ErrShape = errors.New("tensor: shape mismatch")

// Permute0213 swaps dimensions 1 and 2 of a rank-4 tensor, producing a new
// contiguous tensor. [B,S,N,H] becomes [B,N,S,H] and back.
func (t *Tensor) Permute0213() *Tensor {
	if len(t.shape) != 4 {
		panic("tensor: Permute0213 needs rank 4")
	}
	d0, d1, d2, d3 := t.shape[0], t.shape[1], t.shape[2], t.shape[3]
	out := New(t.dt, d0, d2, d1, d3)
	for a := 0; a < d0; a++ {
		for b := 0; b < d1; b++ {
			for c := 0; c < d2; c++ {
				src := ((a*d1+b)*d2 + c) * d3
				dst := ((a*d2+c)*d1 + b) * d3
				copy(out.data[dst:dst+d3], t.data[src:src+d3])
			}
		}
	}
	return out
}

// Narrow copies the [start, start+n) range of dimension dim.
func (t *Tensor) Narrow(dim, start, n int) (*Tensor, error) {
	if dim < 0 {
		dim += len(t.shape)
	}
	if dim < 0 || dim >= len(t.shape) || start < 0 || n < 0 || start+n > t.shape[dim] {
		return nil, fmt.Errorf("%w: narrow dim %d [%d,%d) of %v", ErrShape, dim, start, start+n, t.shape)
	}
	outer, inner := 1, 1
	for i := 0; i < dim; i++ {
		outer *= t.shape[i]
	}
	for i := dim + 1; i < len(t.shape); i++ {
		inner *= t.shape[i]
	}
	shape := t.Shape()
	shape[dim] = n
	out := New(t.dt, shape...)
	full := t.shape[dim]
	for o := 0; o < outer; o++ {
		src := (o*full + start) * inner
		dst := o * n * inner
		copy(out.data[dst:dst+n*inner], t.data[src:src+n*inner])
	}
	return out, nil
}

// SplitLast splits t along its last dimension into pieces of the given sizes.
func (t *Tensor) SplitLast(sizes []int) ([]*Tensor, error) {
	last := t.Dim(-1)
	total := 0
	for _, s := range sizes {
		if s < 0 {
			return nil, fmt.Errorf("%w: negative split %v", ErrShape, sizes)
		}
		total += s
	}
	if total != last {
		return nil, fmt.Errorf("%w: splits %v do not cover %d", ErrShape, sizes, last)
	}
	out := make([]*Tensor, len(sizes))
	off := 0
	for i, s := range sizes {
		p, err := t.Narrow(-1, off, s)
		if err != nil {
			return nil, err
		}
		out[i] = p
		off += s
	}
	return out, nil
}

// ConcatLast joins tensors along their last dimension. All leading
// dimensions and dtypes must agree.
func ConcatLast(ts []*Tensor) (*Tensor, error) {
	if len(ts) == 0 {
		return nil, fmt.Errorf("%w: nothing to concatenate", ErrShape)
	}
	lead := ts[0].shape[:len(ts[0].shape)-1]
	rows := numel(lead)
	total := 0
	for _, p := range ts {
		if p.dt != ts[0].dt || len(p.shape) != len(ts[0].shape) {
			return nil, fmt.Errorf("%w: concat %v with %v", ErrShape, ts[0], p)
		}
		for i := range lead {
			if p.shape[i] != lead[i] {
				return nil, fmt.Errorf("%w: concat %v with %v", ErrShape, ts[0].shape, p.shape)
			}
		}
		total += p.Dim(-1)
	}
	shape := append(append([]int(nil), lead...), total)
	out := New(ts[0].dt, shape...)
	for r := 0; r < rows; r++ {
		off := r * total
		for _, p := range ts {
			w := p.Dim(-1)
			copy(out.data[off:off+w], p.data[r*w:(r+1)*w])
			off += w
		}
	}
	return out, nil
}

// ConcatDim2 joins two rank-4 tensors along dimension 2, the sequence axis of
// a [B,N,S,H] key or value tensor.
func ConcatDim2(a, b *Tensor) (*Tensor, error) {
	if a.Rank() != 4 || b.Rank() != 4 || a.shape[0] != b.shape[0] || a.shape[1] != b.shape[1] || a.shape[3] != b.shape[3] {
		return nil, fmt.Errorf("%w: concat %v with %v on dim 2", ErrShape, a.shape, b.shape)
	}
	B, N, S1, S2, H := a.shape[0], a.shape[1], a.shape[2], b.shape[2], a.shape[3]
	out := New(a.dt, B, N, S1+S2, H)
	for i := 0; i < B*N; i++ {
		dst := i * (S1 + S2) * H
		copy(out.data[dst:], a.data[i*S1*H:(i+1)*S1*H])
		copy(out.data[dst+S1*H:], b.data[i*S2*H:(i+1)*S2*H])
	}
	return out, nil
}
