package kernels

import (
	"context"

	"github.com/samcharles93/fusedllm/internal/collective"
	"github.com/samcharles93/fusedllm/internal/config"
	"github.com/samcharles93/fusedllm/internal/layout"
	"github.com/samcharles93/fusedllm/internal/tensor"
)

// Tensor-parallel split axes for FCPlainParallel.
const (
	SplitOutput = 0
	SplitInput  = 1
)

// FCPlainParallel runs FCPlain against this rank's shard of a weight split
// across pg.
//
// With SplitInput the shard holds a slice of the input features: in carries
// all of them and is cut along its last dimension by splits (one entry per
// rank), the rank's piece is multiplied and the partial outputs are summed
// over the group. The bias is added on every rank, so shards usually carry
// bias/world.
//
// With SplitOutput the shard holds a slice of the output features and the
// per-rank outputs are concatenated along the last dimension; splits gives
// each rank's width, nil meaning equal shards.
//
// A nil or single-rank group runs plain FCPlain.
func (e *Exec) FCPlainParallel(ctx context.Context, p config.Pass, in *tensor.Tensor, w *layout.Weight, bias *tensor.Tensor, parallelDim int, splits []int, pg *collective.ProcessGroup) (*tensor.Tensor, error) {
	const op = "fc_plain"
	world := 1
	if pg != nil {
		world = pg.Size()
	}
	if parallelDim != SplitOutput && parallelDim != SplitInput {
		return nil, shapeErr(op, "parallel dim %d", parallelDim)
	}
	if splits != nil && len(splits) != world {
		return nil, shapeErr(op, "%d split sizes for %d ranks", len(splits), world)
	}

	if parallelDim == SplitInput && splits != nil {
		if in == nil || in.Rank() != 3 {
			return nil, shapeErr(op, "input must be [B, S, F], got %v", shapeOf(in))
		}
		pieces, err := in.SplitLast(splits)
		if err != nil {
			return nil, shapeErr(op, "split %v of %v: %v", splits, in.Shape(), err)
		}
		rank := 0
		if pg != nil {
			rank = pg.Rank()
		}
		in = pieces[rank]
	}

	out, err := e.FCPlain(p, in, w, bias)
	if err != nil || world == 1 {
		return out, err
	}
	if parallelDim == SplitInput {
		if err := collective.AllReduceSum(ctx, pg, out); err != nil {
			return nil, err
		}
		return out, nil
	}
	return collective.AllGatherLast(ctx, pg, out, splits)
}
