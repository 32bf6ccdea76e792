package collective

import (
	"fmt"

	"github.com/samcharles93/fusedllm/internal/dtype"
)

// ReduceOp combines values element-wise across ranks.
type ReduceOp int

const (
	Sum ReduceOp = iota
	Product
	Min
	Max
)

func (op ReduceOp) String() string {
	switch op {
	case Sum:
		return "sum"
	case Product:
		return "product"
	case Min:
		return "min"
	case Max:
		return "max"
	}
	return fmt.Sprintf("ReduceOp(%d)", int(op))
}

// checkReduce rejects reductions the backend cannot run for dt. 16-bit
// float tensors only support Sum, which accumulates with a rounding step
// after every addition.
func checkReduce(name string, op ReduceOp, dt dtype.DType) error {
	if op < Sum || op > Max {
		return invalid(name, "unknown reduce op %d", int(op))
	}
	if (dt == dtype.BF16 || dt == dtype.F16) && op != Sum {
		return fmt.Errorf("%w: %s: %s on %s tensors", ErrUnsupported, name, op, dt)
	}
	return nil
}

// combine folds src into acc. Both hold values of dt; the result is rounded
// to dt after every element so low-precision sums match a native 16-bit
// accumulation.
func combine(op ReduceOp, dt dtype.DType, acc, src []float32) {
	switch op {
	case Sum:
		for i, v := range src {
			acc[i] += v
		}
	case Product:
		for i, v := range src {
			acc[i] *= v
		}
	case Min:
		for i, v := range src {
			acc[i] = min(acc[i], v)
		}
	case Max:
		for i, v := range src {
			acc[i] = max(acc[i], v)
		}
	}
	dt.RoundSlice(acc)
}
