package collective

import (
	"context"
	"fmt"

	"github.com/samcharles93/fusedllm/internal/tensor"
)

func (pg *ProcessGroup) checkRoot(op string, root int) error {
	if root < 0 || root >= pg.Size() {
		return invalid(op, "root rank %d of %d", root, pg.Size())
	}
	return nil
}

func checkTensor(op string, t *tensor.Tensor) error {
	if t == nil {
		return invalid(op, "nil tensor")
	}
	return nil
}

// checkList requires one tensor per rank, each matching ref in dtype and
// (when sameLen) element count.
func (pg *ProcessGroup) checkList(op string, ts []*tensor.Tensor, ref *tensor.Tensor, sameLen bool) error {
	if len(ts) != pg.Size() {
		return invalid(op, "%d tensors for group of %d", len(ts), pg.Size())
	}
	for i, t := range ts {
		if t == nil {
			return invalid(op, "tensor %d is nil", i)
		}
		if t.DType() != ref.DType() {
			return invalid(op, "tensor %d is %s, want %s", i, t.DType(), ref.DType())
		}
		if sameLen && t.Len() != ref.Len() {
			return invalid(op, "tensor %d holds %d values, want %d", i, t.Len(), ref.Len())
		}
	}
	return nil
}

// Broadcast copies t on root into t on every other rank.
func (pg *ProcessGroup) Broadcast(t *tensor.Tensor, root int) (*Work, error) {
	const op = "broadcast"
	if err := checkTensor(op, t); err != nil {
		return nil, err
	}
	if err := pg.checkRoot(op, root); err != nil {
		return nil, err
	}
	return pg.enqueue(op, []*tensor.Tensor{t}, func(ctx context.Context) error {
		return pg.bcast(ctx, root, t.Data())
	})
}

func (pg *ProcessGroup) bcast(ctx context.Context, root int, data []float32) error {
	if pg.Rank() != root {
		return pg.recv(ctx, root, data)
	}
	for r := range pg.Size() {
		if r == root {
			continue
		}
		if err := pg.send(ctx, r, data); err != nil {
			return err
		}
	}
	return nil
}

// reduceAt folds every rank's data into data on root, in rank order.
func (pg *ProcessGroup) reduceAt(ctx context.Context, root int, t *tensor.Tensor, op ReduceOp) error {
	data := t.Data()
	if pg.Rank() != root {
		return pg.send(ctx, root, data)
	}
	acc := make([]float32, len(data))
	buf := make([]float32, len(data))
	for r := range pg.Size() {
		src := data
		if r != root {
			if err := pg.recv(ctx, r, buf); err != nil {
				return err
			}
			src = buf
		}
		if r == 0 {
			copy(acc, src)
			continue
		}
		combine(op, t.DType(), acc, src)
	}
	copy(data, acc)
	return nil
}

// AllReduce replaces t on every rank with the reduction over all ranks.
// BF16 and F16 tensors support only Sum; other ops fail synchronously with
// ErrUnsupported.
func (pg *ProcessGroup) AllReduce(t *tensor.Tensor, op ReduceOp) (*Work, error) {
	const name = "all_reduce"
	if err := checkTensor(name, t); err != nil {
		return nil, err
	}
	if err := checkReduce(name, op, t.DType()); err != nil {
		return nil, err
	}
	return pg.enqueue(name, []*tensor.Tensor{t}, func(ctx context.Context) error {
		if err := pg.reduceAt(ctx, 0, t, op); err != nil {
			return err
		}
		return pg.bcast(ctx, 0, t.Data())
	})
}

// Reduce leaves the reduction over all ranks in t on root. Other ranks'
// tensors are unchanged.
func (pg *ProcessGroup) Reduce(t *tensor.Tensor, root int, op ReduceOp) (*Work, error) {
	const name = "reduce"
	if err := checkTensor(name, t); err != nil {
		return nil, err
	}
	if err := pg.checkRoot(name, root); err != nil {
		return nil, err
	}
	if err := checkReduce(name, op, t.DType()); err != nil {
		return nil, err
	}
	return pg.enqueue(name, []*tensor.Tensor{t}, func(ctx context.Context) error {
		return pg.reduceAt(ctx, root, t, op)
	})
}

// AllGather writes rank r's in into out[r] on every rank. Entries of out may
// differ in size from one another, but out[Rank()] must match in.
func (pg *ProcessGroup) AllGather(out []*tensor.Tensor, in *tensor.Tensor) (*Work, error) {
	const name = "all_gather"
	if err := checkTensor(name, in); err != nil {
		return nil, err
	}
	if err := pg.checkList(name, out, in, false); err != nil {
		return nil, err
	}
	if out[pg.Rank()].Len() != in.Len() {
		return nil, invalid(name, "own slot holds %d values, input %d", out[pg.Rank()].Len(), in.Len())
	}
	return pg.enqueue(name, out, func(ctx context.Context) error {
		me := pg.Rank()
		for r := range pg.Size() {
			if r == me {
				continue
			}
			if err := pg.send(ctx, r, in.Data()); err != nil {
				return err
			}
		}
		copy(out[me].Data(), in.Data())
		for r := range pg.Size() {
			if r == me {
				continue
			}
			if err := pg.recv(ctx, r, out[r].Data()); err != nil {
				return err
			}
		}
		return nil
	})
}

// Gather collects every rank's in into out on root. Non-root ranks pass a
// nil out.
func (pg *ProcessGroup) Gather(out []*tensor.Tensor, in *tensor.Tensor, root int) (*Work, error) {
	const name = "gather"
	if err := checkTensor(name, in); err != nil {
		return nil, err
	}
	if err := pg.checkRoot(name, root); err != nil {
		return nil, err
	}
	if pg.Rank() != root {
		if len(out) != 0 {
			return nil, invalid(name, "only root %d takes outputs", root)
		}
		return pg.enqueue(name, nil, func(ctx context.Context) error {
			return pg.send(ctx, root, in.Data())
		})
	}
	if err := pg.checkList(name, out, in, true); err != nil {
		return nil, err
	}
	return pg.enqueue(name, out, func(ctx context.Context) error {
		for r := range pg.Size() {
			if r == root {
				copy(out[r].Data(), in.Data())
				continue
			}
			if err := pg.recv(ctx, r, out[r].Data()); err != nil {
				return err
			}
		}
		return nil
	})
}

// Scatter sends in[r] on root to out on rank r. Non-root ranks pass a nil
// in.
func (pg *ProcessGroup) Scatter(out *tensor.Tensor, in []*tensor.Tensor, root int) (*Work, error) {
	const name = "scatter"
	if err := checkTensor(name, out); err != nil {
		return nil, err
	}
	if err := pg.checkRoot(name, root); err != nil {
		return nil, err
	}
	if pg.Rank() != root {
		if len(in) != 0 {
			return nil, invalid(name, "only root %d takes inputs", root)
		}
		return pg.enqueue(name, []*tensor.Tensor{out}, func(ctx context.Context) error {
			return pg.recv(ctx, root, out.Data())
		})
	}
	if err := pg.checkList(name, in, out, true); err != nil {
		return nil, err
	}
	return pg.enqueue(name, []*tensor.Tensor{out}, func(ctx context.Context) error {
		for r := range pg.Size() {
			if r == root {
				continue
			}
			if err := pg.send(ctx, r, in[r].Data()); err != nil {
				return err
			}
		}
		copy(out.Data(), in[root].Data())
		return nil
	})
}

// splitOffsets turns per-rank row counts of a tensor into value offsets.
// Empty splits divide dim 0 evenly.
func (pg *ProcessGroup) splitOffsets(name string, t *tensor.Tensor, splits []int) ([]int, error) {
	if t.Rank() == 0 || t.Dim(0) == 0 {
		return nil, invalid(name, "tensor %v has no rows", t.Shape())
	}
	rows := t.Dim(0)
	row := t.Len() / rows
	n := pg.Size()
	if len(splits) == 0 {
		if rows%n != 0 {
			return nil, invalid(name, "dim 0 of %d does not divide across %d ranks", rows, n)
		}
		splits = make([]int, n)
		for i := range splits {
			splits[i] = rows / n
		}
	}
	if len(splits) != n {
		return nil, invalid(name, "%d split sizes for group of %d", len(splits), n)
	}
	offs := make([]int, n+1)
	for i, s := range splits {
		if s < 0 {
			return nil, invalid(name, "negative split size %d", s)
		}
		offs[i+1] = offs[i] + s*row
	}
	if offs[n] != t.Len() {
		return nil, invalid(name, "split sizes cover %d of %d rows", offs[n]/row, rows)
	}
	return offs, nil
}

// AllToAll sends the r-th dim-0 chunk of in to rank r and writes the chunk
// received from rank r as the r-th chunk of out. Nil splits divide dim 0
// evenly; otherwise they give the row count of every chunk.
func (pg *ProcessGroup) AllToAll(out, in *tensor.Tensor, outSplits, inSplits []int) (*Work, error) {
	const name = "all_to_all"
	if err := checkTensor(name, in); err != nil {
		return nil, err
	}
	if err := checkTensor(name, out); err != nil {
		return nil, err
	}
	if out.DType() != in.DType() {
		return nil, invalid(name, "output %s, input %s", out.DType(), in.DType())
	}
	if len(outSplits) == 0 && len(inSplits) == 0 && out.Len() != in.Len() {
		return nil, invalid(name, "tensors are not equal in size: %v and %v", out.Shape(), in.Shape())
	}
	sendOff, err := pg.splitOffsets(name, in, inSplits)
	if err != nil {
		return nil, err
	}
	recvOff, err := pg.splitOffsets(name, out, outSplits)
	if err != nil {
		return nil, err
	}
	return pg.enqueue(name, []*tensor.Tensor{out}, func(ctx context.Context) error {
		src, dst := in.Data(), out.Data()
		chunk := func(d []float32, offs []int, r int) []float32 { return d[offs[r]:offs[r+1]] }
		return pg.exchange(ctx, func(r int) []float32 { return chunk(src, sendOff, r) },
			func(r int) []float32 { return chunk(dst, recvOff, r) })
	})
}

// AllToAllList sends in[r] to rank r and receives rank r's message into
// out[r].
func (pg *ProcessGroup) AllToAllList(out, in []*tensor.Tensor) (*Work, error) {
	const name = "all_to_all"
	if len(in) != pg.Size() || len(out) != pg.Size() {
		return nil, invalid(name, "%d inputs and %d outputs for group of %d", len(in), len(out), pg.Size())
	}
	if err := checkTensor(name, in[0]); err != nil {
		return nil, err
	}
	if err := pg.checkList(name, in, in[0], false); err != nil {
		return nil, err
	}
	if err := pg.checkList(name, out, in[0], false); err != nil {
		return nil, err
	}
	return pg.enqueue(name, out, func(ctx context.Context) error {
		return pg.exchange(ctx, func(r int) []float32 { return in[r].Data() },
			func(r int) []float32 { return out[r].Data() })
	})
}

// exchange sends sendTo(r) to every rank r and receives recvFrom(r) from it.
func (pg *ProcessGroup) exchange(ctx context.Context, sendTo, recvFrom func(r int) []float32) error {
	me := pg.Rank()
	for r := range pg.Size() {
		if r == me {
			continue
		}
		if err := pg.send(ctx, r, sendTo(r)); err != nil {
			return err
		}
	}
	own, into := sendTo(me), recvFrom(me)
	if len(own) != len(into) {
		return &Error{Code: CodeTruncate, Msg: fmt.Sprintf("own chunk of %d values, slot holds %d", len(own), len(into))}
	}
	copy(into, own)
	for r := range pg.Size() {
		if r == me {
			continue
		}
		if err := pg.recv(ctx, r, recvFrom(r)); err != nil {
			return err
		}
	}
	return nil
}

// Barrier completes once every rank has reached it.
func (pg *ProcessGroup) Barrier() (*Work, error) {
	return pg.enqueue("barrier", nil, func(ctx context.Context) error {
		if pg.Rank() != 0 {
			if err := pg.send(ctx, 0, nil); err != nil {
				return err
			}
			return pg.recv(ctx, 0, nil)
		}
		for r := 1; r < pg.Size(); r++ {
			if err := pg.recv(ctx, r, nil); err != nil {
				return err
			}
		}
		return pg.bcast(ctx, 0, nil)
	})
}

// AllReduceCoalesced is not supported.
func (pg *ProcessGroup) AllReduceCoalesced([]*tensor.Tensor, ReduceOp) (*Work, error) {
	return nil, fmt.Errorf("%w: allreduce_coalesced", ErrUnsupported)
}

// AllGatherCoalesced is not supported.
func (pg *ProcessGroup) AllGatherCoalesced([][]*tensor.Tensor, []*tensor.Tensor) (*Work, error) {
	return nil, fmt.Errorf("%w: allgather_coalesced", ErrUnsupported)
}

// ReduceScatter is not supported.
func (pg *ProcessGroup) ReduceScatter(*tensor.Tensor, []*tensor.Tensor, ReduceOp) (*Work, error) {
	return nil, fmt.Errorf("%w: reduce_scatter", ErrUnsupported)
}

func (pg *ProcessGroup) checkOpen(op string) error {
	pg.mu.Lock()
	defer pg.mu.Unlock()
	if pg.closed {
		return fmt.Errorf("%w: %s", ErrClosed, op)
	}
	return nil
}

func checkTag(op string, tag int) error {
	if tag < 0 {
		return invalid(op, "tag %d is reserved", tag)
	}
	return nil
}

// Send starts sending t to rank dst under tag without going through the
// queue.
func (pg *ProcessGroup) Send(t *tensor.Tensor, dst, tag int) (*AsyncWork, error) {
	const name = "send"
	if err := checkTensor(name, t); err != nil {
		return nil, err
	}
	if err := checkTag(name, tag); err != nil {
		return nil, err
	}
	if err := pg.checkOpen(name); err != nil {
		return nil, err
	}
	pg.global.Lock()
	req, err := pg.ep.Isend(dst, tag, t.Data())
	pg.global.Unlock()
	if err != nil {
		return nil, asError(name, err)
	}
	return newAsyncWork(name, &pg.global, req, nil), nil
}

// Recv starts receiving a message from rank src under tag into t.
func (pg *ProcessGroup) Recv(t *tensor.Tensor, src, tag int) (*AsyncWork, error) {
	if src == AnySource {
		return nil, invalid("recv", "use RecvAnySource to match any rank")
	}
	return pg.irecv("recv", t, src, tag)
}

// RecvAnySource starts receiving a message from any rank under tag into t.
// SourceRank reports the sender once the transfer completes.
func (pg *ProcessGroup) RecvAnySource(t *tensor.Tensor, tag int) (*AsyncWork, error) {
	return pg.irecv("recv_any_source", t, AnySource, tag)
}

func (pg *ProcessGroup) irecv(name string, t *tensor.Tensor, src, tag int) (*AsyncWork, error) {
	if err := checkTensor(name, t); err != nil {
		return nil, err
	}
	if err := checkTag(name, tag); err != nil {
		return nil, err
	}
	if err := pg.checkOpen(name); err != nil {
		return nil, err
	}
	pg.global.Lock()
	req, err := pg.ep.Irecv(src, tag, t.Data())
	pg.global.Unlock()
	if err != nil {
		return nil, asError(name, err)
	}
	return newAsyncWork(name, &pg.global, req, []*tensor.Tensor{t}), nil
}
