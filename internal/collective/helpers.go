package collective

import (
	"context"
	"fmt"

	"github.com/samcharles93/fusedllm/internal/tensor"
)

// AllReduceSum sums t in place across the group and waits for the result.
// A nil group or a group of one leaves t untouched. The reduction runs on a
// copy that is written back only on success, so t is unchanged when ctx
// ends first even though the queued work still completes later.
func AllReduceSum(ctx context.Context, pg *ProcessGroup, t *tensor.Tensor) error {
	if pg == nil || pg.Size() == 1 {
		return nil
	}
	buf := t.Clone()
	w, err := pg.AllReduce(buf, Sum)
	if err != nil {
		return err
	}
	if err := w.Wait(ctx); err != nil {
		return err
	}
	copy(t.Data(), buf.Data())
	return nil
}

// AllGatherLast concatenates every rank's t along the last dimension. widths
// gives the last-dimension size contributed by each rank; nil means every
// rank contributes t's width.
func AllGatherLast(ctx context.Context, pg *ProcessGroup, t *tensor.Tensor, widths []int) (*tensor.Tensor, error) {
	if pg == nil || pg.Size() == 1 {
		return t, nil
	}
	n := pg.Size()
	shape := t.Shape()
	last := len(shape) - 1
	if last < 0 {
		return nil, invalid("all_gather", "scalar tensor")
	}
	if widths == nil {
		widths = make([]int, n)
		for i := range widths {
			widths[i] = shape[last]
		}
	}
	if len(widths) != n || widths[pg.Rank()] != shape[last] {
		return nil, invalid("all_gather", "widths %v for rank %d holding %v", widths, pg.Rank(), shape)
	}
	parts := make([]*tensor.Tensor, n)
	for r, w := range widths {
		s := append([]int(nil), shape...)
		s[last] = w
		parts[r] = tensor.New(t.DType(), s...)
	}
	work, err := pg.AllGather(parts, t)
	if err != nil {
		return nil, err
	}
	if err := work.Wait(ctx); err != nil {
		return nil, err
	}
	out, err := tensor.ConcatLast(parts)
	if err != nil {
		return nil, fmt.Errorf("all_gather: %w", err)
	}
	return out, nil
}
