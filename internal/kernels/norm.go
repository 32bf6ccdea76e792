package kernels

import (
	"fmt"

	"github.com/samcharles93/fusedllm/internal/dtype"
	"github.com/samcharles93/fusedllm/internal/tensor"
	"github.com/samcharles93/fusedllm/internal/tile"
)

// normPairs are the (activation, gamma) precisions the norm kernels accept.
var normPairs = map[dtype.Pair]struct{}{
	{Act: dtype.F32, Param: dtype.F32}:   {},
	{Act: dtype.BF16, Param: dtype.F32}:  {},
	{Act: dtype.BF16, Param: dtype.BF16}: {},
	{Act: dtype.BF8, Param: dtype.F32}:   {},
	{Act: dtype.BF8, Param: dtype.BF8}:   {},
	{Act: dtype.BF8, Param: dtype.BF16}:  {},
}

func checkNorm(op string, in, gamma, beta *tensor.Tensor) (int, error) {
	rows, err := rows3(op, "input", in)
	if err != nil {
		return 0, err
	}
	C := in.Dim(2)
	if gamma == nil || gamma.Len() != C {
		return 0, shapeErr(op, "gamma has %v values for %d features", shapeOf(gamma), C)
	}
	if !beta.Empty() && beta.Len() != C {
		return 0, shapeErr(op, "beta has %d values for %d features", beta.Len(), C)
	}
	p := dtype.Pair{Act: in.DType(), Param: gamma.DType()}
	if _, ok := normPairs[p]; !ok {
		return 0, fmt.Errorf("%w: %s has no %s specialisation", dtype.ErrUnsupported, op, p)
	}
	return rows, nil
}

// LayerNorm normalises every feature row of in ([B, S, C]). beta may be nil.
func (e *Exec) LayerNorm(in, gamma, beta *tensor.Tensor, eps float32) (*tensor.Tensor, error) {
	rows, err := checkNorm("layer_norm", in, gamma, beta)
	if err != nil {
		return nil, err
	}
	C := in.Dim(2)
	out := tensor.New(in.DType(), in.Shape()...)
	src, dst, g := in.Data(), out.Data(), gamma.Data()
	var b []float32
	if !beta.Empty() {
		b = beta.Data()
	}
	e.Pool.For(rows, func(start, end int) {
		for r := start; r < end; r++ {
			tile.LayerNorm(dst[r*C:(r+1)*C], src[r*C:(r+1)*C], g, b, eps)
		}
		in.DType().RoundSlice(dst[start*C : end*C])
	})
	return out, nil
}

// RMSNorm scales every feature row of in by its reciprocal root mean square.
func (e *Exec) RMSNorm(in, gamma *tensor.Tensor, eps float32) (*tensor.Tensor, error) {
	rows, err := checkNorm("rms_norm", in, gamma, nil)
	if err != nil {
		return nil, err
	}
	C := in.Dim(2)
	out := tensor.New(in.DType(), in.Shape()...)
	src, dst, g := in.Data(), out.Data(), gamma.Data()
	e.Pool.For(rows, func(start, end int) {
		for r := start; r < end; r++ {
			tile.RMSNorm(dst[r*C:(r+1)*C], src[r*C:(r+1)*C], g, eps)
		}
		in.DType().RoundSlice(dst[start*C : end*C])
	})
	return out, nil
}
