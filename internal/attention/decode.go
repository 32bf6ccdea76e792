package attention

import (
	"fmt"
	"math"

	"github.com/samcharles93/fusedllm/internal/kernels"
	"github.com/samcharles93/fusedllm/internal/tensor"
	"github.com/samcharles93/fusedllm/internal/tile"
)

// Decode attends a single new token per (batch, head) over offset cached
// positions plus itself. Positions before offset are read from kStore and
// vStore ([B, N, Capacity, H]) at the batch row beams[b][pos]; the new key
// and value are written into the stores at offset as they are consumed.
// mask, when present, holds offset+1 additive values per batch row.
func Decode(x *kernels.Exec, q, k, v, mask, kStore, vStore *tensor.Tensor, beams [][]int, offset int) (*tensor.Tensor, error) {
	qs, ks, err := checkOperands(q, k, v)
	if err != nil {
		return nil, err
	}
	if qs[2] != 1 || ks[2] != 1 {
		return nil, fmt.Errorf("%w: decode needs one query and one key, got %d and %d", ErrShape, qs[2], ks[2])
	}
	B, N, H := qs[0], qs[1], qs[3]
	ss, err := shape4("key store", kStore)
	if err != nil {
		return nil, err
	}
	if vs, err := shape4("value store", vStore); err != nil {
		return nil, err
	} else if vs != ss {
		return nil, fmt.Errorf("%w: key store %v value store %v", ErrShape, ss, vs)
	}
	if ss[0] != B || ss[1] != N || ss[3] != H || ss[2] <= offset || offset < 0 {
		return nil, fmt.Errorf("%w: store %v cannot hold position %d for [%d %d _ %d]", ErrShape, ss, offset, B, N, H)
	}
	if kStore.DType() != q.DType() || vStore.DType() != q.DType() {
		return nil, fmt.Errorf("%w: store dtype %s for %s operands", ErrShape, kStore.DType(), q.DType())
	}
	if err := checkBeams(beams, B, offset); err != nil {
		return nil, err
	}
	fsk := offset + 1
	var am []float32
	if !mask.Empty() {
		if mask.Len() != B*fsk {
			return nil, fmt.Errorf("%w: mask %v for batch %d history %d", ErrShape, mask.Shape(), B, fsk)
		}
		am = mask.Data()
	}

	d := &decodeWork{
		b: B, n: N, h: H, cap: ss[2], offset: offset,
		fsk:   fsk,
		fskA:  alignUp(fsk, keyAlign),
		q:     q.Data(),
		k:     k.Data(),
		v:     v.Data(),
		ks:    kStore.Data(),
		vs:    vStore.Data(),
		mask:  am,
		beams: beams,
		scale: float32(1 / math.Sqrt(float64(H))),
	}
	out := tensor.New(q.DType(), qs[:]...)
	if fsk <= decodeStackLimit {
		d.small(x, out.Data())
	} else {
		d.large(x, out.Data())
	}
	return out.Round(), nil
}

func checkBeams(beams [][]int, b, offset int) error {
	if offset == 0 {
		return nil
	}
	if len(beams) != b {
		return fmt.Errorf("%w: %d beam rows for batch %d", ErrShape, len(beams), b)
	}
	for i, row := range beams {
		if len(row) < offset {
			return fmt.Errorf("%w: beam row %d has %d steps, need %d", ErrShape, i, len(row), offset)
		}
		for _, p := range row[:offset] {
			if p < 0 || p >= b {
				return fmt.Errorf("%w: beam row %d points at batch %d", ErrShape, i, p)
			}
		}
	}
	return nil
}

type decodeWork struct {
	b, n, h, cap int
	offset       int
	fsk, fskA    int
	q, k, v      []float32
	ks, vs       []float32
	mask         []float32
	beams        [][]int
	scale        float32
}

// row returns the store row (or the new token) holding position sk of head
// (b, n), writing the new token through to the store at offset.
func (d *decodeWork) row(store, fresh []float32, b, n, sk int) []float32 {
	H := d.h
	if sk < d.offset {
		src := d.beams[b][sk]
		o := ((src*d.n+n)*d.cap + sk) * H
		return store[o : o+H]
	}
	cur := fresh[(b*d.n+n)*H : (b*d.n+n+1)*H]
	o := ((b*d.n+n)*d.cap + sk) * H
	copy(store[o:o+H], cur)
	return cur
}

func (d *decodeWork) score(b, n, sk int) float32 {
	qv := d.q[(b*d.n+n)*d.h : (b*d.n+n+1)*d.h]
	s := tile.Dot(qv, d.row(d.ks, d.k, b, n, sk)) * d.scale
	if d.mask != nil {
		s += d.mask[b*d.fsk+sk]
	}
	return s
}

// finish pads, normalises and applies the scores of head (b, n).
func (d *decodeWork) finish(as []float32, b, n int, out []float32) {
	for sk := d.fsk; sk < d.fskA; sk++ {
		as[sk] = causalMask
	}
	tile.Softmax(as[:d.fskA])
	clear(out)
	for sk := 0; sk < d.fsk; sk++ {
		w := as[sk]
		for i, x := range d.row(d.vs, d.v, b, n, sk) {
			out[i] += w * x
		}
	}
}

// small keeps each head's scores in a buffer local to its work item.
func (d *decodeWork) small(x *kernels.Exec, out []float32) {
	H := d.h
	x.Pool.ForEach(d.b*d.n, func(i int) {
		b, n := i/d.n, i%d.n
		as := make([]float32, d.fskA)
		for sk := 0; sk < d.fsk; sk++ {
			as[sk] = d.score(b, n, sk)
		}
		d.finish(as, b, n, out[i*H:(i+1)*H])
	})
}

// large materialises the whole [B, N, history] score grid, filling it in
// one parallel pass over every (b, n, position) and normalising it in a
// second pass over (b, n).
func (d *decodeWork) large(x *kernels.Exec, out []float32) {
	H := d.h
	as := make([]float32, d.b*d.n*d.fskA)
	x.Pool.ForEach(d.b*d.n*d.fsk, func(i int) {
		bn, sk := i/d.fsk, i%d.fsk
		as[bn*d.fskA+sk] = d.score(bn/d.n, bn%d.n, sk)
	})
	x.Pool.ForEach(d.b*d.n, func(i int) {
		d.finish(as[i*d.fskA:(i+1)*d.fskA], i/d.n, i%d.n, out[i*H:(i+1)*H])
	})
}
