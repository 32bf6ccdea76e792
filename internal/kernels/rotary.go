package kernels

import (
	"math"

	"github.com/samcharles93/fusedllm/internal/dtype"
	"github.com/samcharles93/fusedllm/internal/tensor"
)

// DefaultRopeBase is the frequency base of both rotary tables.
const DefaultRopeBase = 10000

func inverseFrequencies(dim int, base float64) []float64 {
	inv := make([]float64, dim/2)
	for i := range inv {
		inv[i] = 1 / math.Pow(base, float64(2*i)/float64(dim))
	}
	return inv
}

// SinusoidalTableGPTJ builds the [maxPos, dim] table used by RotaryGPTJ:
// sines in the first half of each row, cosines in the second.
func SinusoidalTableGPTJ(maxPos, dim int, base float64) *tensor.Tensor {
	t := tensor.New(dtype.F32, maxPos, dim)
	d := t.Data()
	half := dim / 2
	inv := inverseFrequencies(dim, base)
	for p := 0; p < maxPos; p++ {
		row := d[p*dim:]
		for i, f := range inv {
			a := float64(p) * f
			row[i] = float32(math.Sin(a))
			row[half+i] = float32(math.Cos(a))
		}
	}
	return t
}

// RopeTableLlama builds the [2, maxPos, dim] cos/sin table used by
// RotaryLlama. Each row repeats its frequencies across both halves.
func RopeTableLlama(maxPos, dim int, base float64) *tensor.Tensor {
	t := tensor.New(dtype.F32, 2, maxPos, dim)
	d := t.Data()
	half := dim / 2
	inv := inverseFrequencies(dim, base)
	sinOff := maxPos * dim
	for p := 0; p < maxPos; p++ {
		for i, f := range inv {
			a := float64(p) * f
			c, s := float32(math.Cos(a)), float32(math.Sin(a))
			d[p*dim+i], d[p*dim+half+i] = c, c
			d[sinOff+p*dim+i], d[sinOff+p*dim+half+i] = s, s
		}
	}
	return t
}

// rotary walks every head of x ([B, S, N*H]) whose position is inside the
// table and hands the head slice to rot.
func (e *Exec) rotary(op string, x *tensor.Tensor, pos []int, heads, headDim, rotDim, maxPos int, rot func(h []float32, p int)) error {
	rows, err := rows3(op, "input", x)
	if err != nil {
		return err
	}
	if err := dtype.CheckKernel(x.DType()); err != nil {
		return err
	}
	B, S := x.Dim(0), x.Dim(1)
	if heads <= 0 || x.Dim(2) != heads*headDim {
		return shapeErr(op, "features %d != %d heads x %d", x.Dim(2), heads, headDim)
	}
	if rotDim%2 != 0 || rotDim > headDim {
		return shapeErr(op, "rotary dim %d for head dim %d", rotDim, headDim)
	}
	if len(pos) != S && len(pos) != B*S {
		return shapeErr(op, "%d positions for batch %d x seq %d", len(pos), B, S)
	}
	d := x.Data()
	F := heads * headDim
	e.Pool.For(rows, func(start, end int) {
		for r := start; r < end; r++ {
			p := pos[r%len(pos)]
			if p < 0 || p >= maxPos {
				continue
			}
			row := d[r*F : (r+1)*F]
			for n := 0; n < heads; n++ {
				rot(row[n*headDim:(n+1)*headDim], p)
			}
			x.DType().RoundSlice(row)
		}
	})
	return nil
}

// RotaryGPTJ rotates interleaved pairs (h, h+1) of the first table-width
// features of every head in place. table is [maxPos, rotDim] from
// SinusoidalTableGPTJ.
func (e *Exec) RotaryGPTJ(x, table *tensor.Tensor, pos []int, heads, headDim int) error {
	if table == nil || table.Rank() != 2 {
		return shapeErr("rotary_gptj", "table must be [max_pos, dim], got %v", shapeOf(table))
	}
	mp, hr := table.Dim(0), table.Dim(1)
	emb := table.Data()
	half := hr / 2
	return e.rotary("rotary_gptj", x, pos, heads, headDim, hr, mp, func(h []float32, p int) {
		row := emb[p*hr:]
		for i, j := 0, 0; i < hr; i, j = i+2, j+1 {
			sin, cos := row[j], row[half+j]
			a, b := h[i], h[i+1]
			h[i] = a*cos - b*sin
			h[i+1] = b*cos + a*sin
		}
	})
}

// RotaryLlama rotates the split halves (i, rotDim/2+i) of every head in
// place. table is [2, maxPos, rotDim] from RopeTableLlama.
func (e *Exec) RotaryLlama(x, table *tensor.Tensor, pos []int, heads, headDim int) error {
	if table == nil || table.Rank() != 3 || table.Dim(0) != 2 {
		return shapeErr("rotary_llama", "table must be [2, max_pos, dim], got %v", shapeOf(table))
	}
	mp, hr := table.Dim(1), table.Dim(2)
	emb := table.Data()
	half := hr / 2
	sinOff := mp * hr
	return e.rotary("rotary_llama", x, pos, heads, headDim, hr, mp, func(h []float32, p int) {
		for i := 0; i < half; i++ {
			cos, sin := emb[p*hr+i], emb[sinOff+p*hr+i]
			a, b := h[i], h[half+i]
			h[i] = a*cos - b*sin
			h[half+i] = b*cos + a*sin
		}
	})
}
