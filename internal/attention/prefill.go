package attention

import (
	"fmt"
	"math"

	"github.com/samcharles93/fusedllm/internal/dtype"
	"github.com/samcharles93/fusedllm/internal/kernels"
	"github.com/samcharles93/fusedllm/internal/tensor"
	"github.com/samcharles93/fusedllm/internal/tile"
)

// geometry is everything derived from the operand shapes of one prefill.
type geometry struct {
	b, n, sq, sk, h int
	offset          int
	skb             int
	skPad, pad      int
	maxKbs          int
	inline          bool
	vk, vv          int
}

func shape4(name string, t *tensor.Tensor) ([4]int, error) {
	var s [4]int
	if t == nil || t.Rank() != 4 {
		var got []int
		if t != nil {
			got = t.Shape()
		}
		return s, fmt.Errorf("%w: %s must be [B, N, S, H], got %v", ErrShape, name, got)
	}
	copy(s[:], t.Shape())
	return s, nil
}

func checkOperands(q, k, v *tensor.Tensor) ([4]int, [4]int, error) {
	qs, err := shape4("query", q)
	if err != nil {
		return qs, qs, err
	}
	ks, err := shape4("key", k)
	if err != nil {
		return qs, ks, err
	}
	vs, err := shape4("value", v)
	if err != nil {
		return qs, ks, err
	}
	if ks != vs || ks[0] != qs[0] || ks[1] != qs[1] || ks[3] != qs[3] {
		return qs, ks, fmt.Errorf("%w: query %v key %v value %v", ErrShape, qs, ks, vs)
	}
	if q.DType() != k.DType() || q.DType() != v.DType() {
		return qs, ks, fmt.Errorf("%w: mixed operand dtypes %s/%s/%s", ErrShape, q.DType(), k.DType(), v.DType())
	}
	if err := dtype.CheckKernel(q.DType()); err != nil {
		return qs, ks, err
	}
	return qs, ks, nil
}

func newGeometry(qs, ks [4]int, dt dtype.DType, keyTile int) geometry {
	g := geometry{b: qs[0], n: qs[1], sq: qs[2], sk: ks[2], h: qs[3]}
	g.offset = g.sk - g.sq
	g.inline = (g.sq+QueryTile-1)/QueryTile == 1
	g.skb = WideKeyTile
	if g.inline {
		g.skb = keyTile
	}
	g.vv = dt.VNNI()
	align := 1
	if g.vv != 1 {
		align = keyAlign
	}
	g.skPad = alignUp(g.sk, align)
	g.pad = g.skPad - g.sk
	g.vk = dt.VNNI()
	if g.h%g.vk != 0 {
		g.vk = 1
	}
	for sk := 0; sk < g.sk; sk += g.skb {
		g.maxKbs = max(g.maxKbs, g.kbs(sk))
	}
	return g
}

// kbs is the width of the key tile starting at sk, padding included.
func (g *geometry) kbs(sk int) int {
	if g.sk-sk >= g.skb {
		return g.skb
	}
	return g.skPad - sk
}

func (g *geometry) keyTiles() int { return (g.sk + g.skb - 1) / g.skb }

func (g *geometry) plans(mask2D bool) Plans {
	qrem := g.sq % QueryTile
	krem := g.sk % g.skb
	var ps Plans
	ps[0][0] = NewPlan(QueryTile, g.skb, g.h, 0, g.vk, g.vv, mask2D)
	ps[0][1] = NewPlan(QueryTile, krem+g.pad, g.h, g.pad, g.vk, g.vv, mask2D)
	ps[1][0] = NewPlan(qrem, g.skb, g.h, 0, g.vk, g.vv, mask2D)
	ps[1][1] = NewPlan(qrem, krem+g.pad, g.h, g.pad, g.vk, g.vv, mask2D)
	return ps
}

// maskView is an additive mask widened to the padded key length.
type maskView struct {
	data   []float32
	is2D   bool
	sq     int
	stride int
}

// prepareMask accepts [B, Sk], [B, 1, Sk], [B, 1, 1, Sk] (one row per batch)
// or [B, Sq, Sk], [B, 1, Sq, Sk] (one row per query). A nil or empty mask
// yields nil.
func prepareMask(mask *tensor.Tensor, b, sq, sk, skPad int) (*maskView, error) {
	if mask.Empty() {
		return nil, nil
	}
	s := mask.Shape()
	if len(s) < 2 || s[0] != b || s[len(s)-1] != sk {
		return nil, fmt.Errorf("%w: mask %v for batch %d keys %d", ErrShape, s, b, sk)
	}
	rows := 1
	for _, d := range s[1 : len(s)-1] {
		rows *= d
	}
	m := &maskView{sq: sq, stride: skPad}
	switch {
	case rows == 1:
	case rows == sq:
		m.is2D = true
	default:
		return nil, fmt.Errorf("%w: mask %v for %d queries", ErrShape, s, sq)
	}
	src := mask.Data()
	m.data = make([]float32, b*rows*skPad)
	for r := 0; r < b*rows; r++ {
		dst := m.data[r*skPad : (r+1)*skPad]
		copy(dst, src[r*sk:(r+1)*sk])
		for i := sk; i < skPad; i++ {
			dst[i] = padMask
		}
	}
	return m, nil
}

func (m *maskView) add(as []float32, b, sq, sk, qbs, kbs int) {
	for r := 0; r < qbs; r++ {
		var src []float32
		if m.is2D {
			src = m.data[(b*m.sq+sq+r)*m.stride+sk:]
		} else {
			src = m.data[b*m.stride+sk:]
		}
		row := as[r*kbs : (r+1)*kbs]
		for c := range row {
			row[c] += src[c]
		}
	}
}

// Prefill computes causal attention of q ([B, N, Sq, H]) over k and v ([B,
// N, Sk, H], Sk >= Sq). Query i sits at key position i + Sk - Sq. The
// result has the shape and dtype of q.
func Prefill(x *kernels.Exec, q, k, v, mask *tensor.Tensor) (*tensor.Tensor, error) {
	qs, ks, err := checkOperands(q, k, v)
	if err != nil {
		return nil, err
	}
	if ks[2] < qs[2] {
		return nil, fmt.Errorf("%w: %d keys for %d queries", ErrShape, ks[2], qs[2])
	}
	dt := q.DType()
	g := newGeometry(qs, ks, dt, x.Tuning.KeyTile)
	am, err := prepareMask(mask, g.b, g.sq, g.sk, g.skPad)
	if err != nil {
		return nil, err
	}
	out := tensor.New(dt, qs[:]...)
	if g.b == 0 || g.n == 0 || g.sq == 0 || g.h == 0 {
		return out, nil
	}
	w := &prefillWork{
		g:     &g,
		mask:  am,
		q:     q.Data(),
		k:     k.Data(),
		v:     v.Data(),
		out:   out.Data(),
		dt:    dt,
		scale: float32(1 / math.Sqrt(float64(g.h))),
	}
	w.plans = g.plans(am != nil && am.is2D)

	if !g.inline {
		w.pack(x)
	}
	nq := (g.sq + QueryTile - 1) / QueryTile
	x.Pool.ForEach(g.b*g.n*nq, func(i int) {
		bn, qt := i/nq, i%nq
		w.run(bn/g.n, bn%g.n, qt*QueryTile)
	})
	return out, nil
}

type prefillWork struct {
	g      *geometry
	plans  Plans
	mask   *maskView
	q, k   []float32
	v, out []float32
	// kt and vp hold K^T and VNNI-packed V tiles when they are packed
	// ahead of the main loop; each (b, n) slab is skPad*H long.
	kt, vp []float32
	dt     dtype.DType
	scale  float32
}

// pack transposes every key tile and VNNI-packs every value tile once.
func (w *prefillWork) pack(x *kernels.Exec) {
	g := w.g
	H := g.h
	slab := g.skPad * H
	w.kt = make([]float32, g.b*g.n*slab)
	if g.vv != 1 {
		w.vp = make([]float32, g.b*g.n*slab)
	}
	nk := g.keyTiles()
	x.Pool.ForEach(g.b*g.n*nk, func(i int) {
		bn, sk := i/nk, (i%nk)*g.skb
		kbs := g.kbs(sk)
		rows := min(kbs, g.sk-sk)
		src := bn*g.sk*H + sk*H
		dst := bn*slab + sk*H
		tile.PackTransposed(w.kt[dst:], w.k[src:], rows, kbs, H, H, g.vk)
		if w.vp != nil {
			tile.PackVNNI(w.vp[dst:], w.v[src:], rows, kbs, H, H, g.vv)
		}
	})
}

// run processes the query tile starting at sq of head (b, n).
func (w *prefillWork) run(b, n, sq int) {
	g := w.g
	H := g.h
	bn := b*g.n + n
	qbs := min(QueryTile, g.sq-sq)
	qa := w.plans.at(sq, 0, g).SqbAligned

	qd := w.q[(bn*g.sq+sq)*H:]
	if qa != qbs {
		tmp := make([]float32, qa*H)
		copy(tmp, qd[:qbs*H])
		qd = tmp
	}
	out := w.out[(bn*g.sq+sq)*H:]
	kd := w.k[bn*g.sk*H:]
	vd := w.v[bn*g.sk*H:]

	scores := make([]float32, qa*g.maxKbs)
	probs := make([]float32, qa*g.maxKbs)
	ctx := make([]float32, qa*H)
	stats := make([]float32, 4*qbs)
	omax, osum, cmax, csum := stats[:qbs], stats[qbs:2*qbs], stats[2*qbs:3*qbs], stats[3*qbs:]
	var kTmp, vTmp []float32
	if g.inline {
		kTmp = make([]float32, g.maxKbs*H)
		if g.vv != 1 {
			vTmp = make([]float32, g.maxKbs*H)
		}
	}

	for sk := 0; sk < g.sk; sk += g.skb {
		p := w.plans.at(sq, sk, g)
		kbs := p.Skb
		rows := min(kbs, g.sk-sk)

		var kp, vp []float32
		switch {
		case g.inline:
			tile.PackTransposed(kTmp, kd[sk*H:], rows, kbs, H, H, g.vk)
			kp = kTmp
		default:
			kp = w.kt[(bn*g.skPad+sk)*H:]
		}
		switch {
		case g.vv == 1:
			vp = vd[sk*H:]
		case g.inline:
			tile.PackVNNI(vTmp, vd[sk*H:], rows, kbs, H, H, g.vv)
			vp = vTmp
		default:
			vp = w.vp[(bn*g.skPad+sk)*H:]
		}

		as := scores[:qa*kbs]
		p.qk.Run(qd, kp, as, 1)
		for r := 0; r < qbs; r++ {
			qval := sq + r + g.offset
			row := as[r*kbs : (r+1)*kbs]
			for c := max(qval+1, sk); c < sk+kbs; c++ {
				row[c-sk] = causalMask
			}
		}
		tile.Scale(as[:qbs*kbs], w.scale)
		if w.mask != nil {
			w.mask.add(as, b, sq, sk, qbs, kbs)
		}

		mx, sm := cmax, csum
		if sk == 0 {
			mx, sm = omax, osum
		}
		pr := probs[:qa*kbs]
		tile.VarSoftmax(qbs, kbs, as, kbs, pr, kbs, mx, sm)
		w.dt.RoundSlice(pr[:qbs*kbs])
		p.pv.Run(pr, vp, ctx, 1)
		w.dt.RoundSlice(ctx[:qbs*H])
		if sk == 0 {
			copy(out[:qbs*H], ctx[:qbs*H])
			continue
		}
		tile.SoftmaxFixup(ctx, out, H, qbs, H, cmax, csum, omax, osum)
		w.dt.RoundSlice(out[:qbs*H])
	}
}
