package block

import (
	"fmt"
	"math"

	"github.com/samcharles93/fusedllm/internal/kernels"
	"github.com/samcharles93/fusedllm/internal/tensor"
)

// ShardRange is the [Start, Start+Len) slice of a split dimension a rank
// owns.
type ShardRange struct{ Start, Len int }

// Range returns the slice of an n-wide dimension owned by rank when it is
// cut into whole units of size unit across world ranks. Units are dealt
// out as evenly as possible, lower ranks taking the remainder.
func Range(n, unit, rank, world int) (ShardRange, error) {
	if unit < 1 {
		unit = 1
	}
	if world < 1 || rank < 0 || rank >= world {
		return ShardRange{}, fmt.Errorf("%w: rank %d of %d", ErrParams, rank, world)
	}
	if n%unit != 0 {
		return ShardRange{}, fmt.Errorf("%w: %d is not a multiple of %d", ErrParams, n, unit)
	}
	units := n / unit
	if units < world {
		return ShardRange{}, fmt.Errorf("%w: %d units of %d cannot be split %d ways", ErrParams, units, unit, world)
	}
	base, rem := units/world, units%world
	start, count := rank*base+min(rank, rem), base
	if rank < rem {
		count++
	}
	return ShardRange{Start: start * unit, Len: count * unit}, nil
}

// Shard cuts one layer's full parameter list down to what rank holds in a
// world-wide tensor-parallel group. Linear weights must be logical [out,
// in] matrices. Nil optional entries stay nil.
func Shard(c Config, ps []*tensor.Tensor, rank, world int) ([]*tensor.Tensor, error) {
	specs := Specs(c)
	if len(ps) != len(specs) {
		return nil, fmt.Errorf("%w: %d parameters for %d specs", ErrParams, len(ps), len(specs))
	}
	out := make([]*tensor.Tensor, len(ps))
	for i, sp := range specs {
		t := ps[i]
		if t == nil || world == 1 {
			out[i] = t
			continue
		}
		var err error
		switch sp.Split {
		case Replicated:
			out[i] = t
		case ScaledBias:
			s := t.Clone()
			inv := 1 / float32(world)
			for j, v := range s.Data() {
				s.Data()[j] = v * inv
			}
			out[i] = s.Round()
		case Column, Row:
			dim := 0
			if sp.Split == Row {
				dim = 1
			}
			if dim >= t.Rank() {
				return nil, fmt.Errorf("%w: %s has shape %v", ErrParams, sp.Name, t.Shape())
			}
			var r ShardRange
			if r, err = Range(t.Dim(dim), sp.Unit, rank, world); err != nil {
				return nil, fmt.Errorf("%s: %w", sp.Name, err)
			}
			if out[i], err = t.Narrow(dim, r.Start, r.Len); err != nil {
				return nil, fmt.Errorf("%s: %w", sp.Name, err)
			}
		}
	}
	return out, nil
}

// Synthetic fills one layer's parameters deterministically from seed. Norm
// gammas sit near one, betas and biases near zero, and tables are the
// family's rotary tables.
func Synthetic(c Config, seed int64) []*tensor.Tensor {
	specs := Specs(c)
	out := make([]*tensor.Tensor, len(specs))
	for i, sp := range specs {
		t := tensor.New(sp.DType(c), sp.Shape...)
		s := seed*131 + int64(i)
		switch sp.Kind {
		case Weight:
			tensor.FillRand(t, s, float32(1/math.Sqrt(float64(sp.Shape[len(sp.Shape)-1]))))
		case Bias, Beta:
			tensor.FillRand(t, s, 0.05)
		case Gamma:
			tensor.FillRand(t, s, 0.1)
			for j := range t.Data() {
				t.Data()[j]++
			}
		case Table:
			if c.Family == FamilyLlama {
				t = rotaryTable(nil, kernels.RopeTableLlama, c.MaxPositions, c.RotaryDim)
			} else {
				t = rotaryTable(nil, kernels.SinusoidalTableGPTJ, c.MaxPositions, c.RotaryDim)
			}
		}
		out[i] = t.Round()
	}
	return out
}
