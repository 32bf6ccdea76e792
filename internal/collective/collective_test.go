package collective

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"golang.org/x/sync/errgroup"

	"github.com/samcharles93/fusedllm/internal/dtype"
	"github.com/samcharles93/fusedllm/internal/tensor"
)

func world(t *testing.T, n int) []*ProcessGroup {
	t.Helper()
	pgs := NewWorld(n, nil)
	t.Cleanup(func() {
		for _, pg := range pgs {
			if err := pg.Close(); err != nil {
				t.Errorf("close rank %d: %v", pg.Rank(), err)
			}
		}
	})
	return pgs
}

// onEvery runs fn concurrently on every rank and fails on the first error.
func onEvery(t *testing.T, pgs []*ProcessGroup, fn func(ctx context.Context, pg *ProcessGroup) error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)
	for _, pg := range pgs {
		g.Go(func() error { return fn(ctx, pg) })
	}
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}
}

func vec(dt dtype.DType, vals ...float32) *tensor.Tensor {
	return tensor.Must(tensor.FromSlice(dt, vals, len(vals)))
}

// waitFor returns a function that waits on the work an op call returns, so
// waitFor(ctx)(pg.AllReduce(x, Sum)) reads as one step.
func waitFor(ctx context.Context) func(*Work, error) error {
	return func(w *Work, err error) error {
		if err != nil {
			return err
		}
		return w.Wait(ctx)
	}
}

func TestAllReduceOps(t *testing.T) {
	t.Parallel()
	pgs := world(t, 3)
	want := map[ReduceOp][]float32{
		Sum:     {6, -3},
		Product: {6, -6},
		Min:     {1, -3},
		Max:     {3, -1},
	}
	for _, op := range []ReduceOp{Sum, Product, Min, Max} {
		got := make([][]float32, len(pgs))
		onEvery(t, pgs, func(ctx context.Context, pg *ProcessGroup) error {
			r := float32(pg.Rank() + 1)
			x := vec(dtype.F32, r, -r)
			if op == Sum {
				x.Data()[1] = -1
			}
			if err := waitFor(ctx)(pg.AllReduce(x, op)); err != nil {
				return err
			}
			got[pg.Rank()] = x.Data()
			return nil
		})
		for r, g := range got {
			if diff := cmp.Diff(want[op], g); diff != "" {
				t.Fatalf("%s on rank %d (-want +got):\n%s", op, r, diff)
			}
		}
	}
}

func TestLowPrecisionAllReduce(t *testing.T) {
	t.Parallel()
	pgs := world(t, 3)
	// 1 + 2^-8 ties to 1 in bf16 at every step; a float32 sum would give
	// 1 + 2^-7, which bf16 can hold.
	contrib := []float32{1, 1.0 / 256, 1.0 / 256}
	got := make([]float32, len(pgs))
	onEvery(t, pgs, func(ctx context.Context, pg *ProcessGroup) error {
		x := vec(dtype.BF16, contrib[pg.Rank()])
		if err := waitFor(ctx)(pg.AllReduce(x, Sum)); err != nil {
			return err
		}
		got[pg.Rank()] = x.Data()[0]
		return nil
	})
	for r, v := range got {
		if v != 1 {
			t.Fatalf("rank %d: got %v, want 1", r, v)
		}
	}

	for _, dt := range []dtype.DType{dtype.BF16, dtype.F16} {
		if _, err := pgs[0].AllReduce(vec(dt, 1), Max); !errors.Is(err, ErrUnsupported) {
			t.Fatalf("%s max: expected ErrUnsupported, got %v", dt, err)
		}
	}
}

func TestRootedCollectives(t *testing.T) {
	t.Parallel()
	pgs := world(t, 3)
	const root = 1
	gathered := make([]*tensor.Tensor, 3)
	scattered := make([]float32, 3)
	reduced := make([]float32, 3)
	onEvery(t, pgs, func(ctx context.Context, pg *ProcessGroup) error {
		me := pg.Rank()

		b := vec(dtype.F32, 0, 0)
		if me == root {
			b = vec(dtype.F32, 7, 8)
		}
		if err := waitFor(ctx)(pg.Broadcast(b, root)); err != nil {
			return err
		}
		if b.Data()[0] != 7 || b.Data()[1] != 8 {
			return errors.New("broadcast did not reach every rank")
		}

		r := vec(dtype.F32, float32(me*10))
		if err := waitFor(ctx)(pg.Reduce(r, 2, Sum)); err != nil {
			return err
		}
		reduced[me] = r.Data()[0]

		var out []*tensor.Tensor
		if me == root {
			out = []*tensor.Tensor{tensor.New(dtype.F32, 1), tensor.New(dtype.F32, 1), tensor.New(dtype.F32, 1)}
		}
		if err := waitFor(ctx)(pg.Gather(out, vec(dtype.F32, float32(me)+0.5), root)); err != nil {
			return err
		}
		if me == root {
			copy(gathered, out)
		}

		var in []*tensor.Tensor
		if me == root {
			in = []*tensor.Tensor{vec(dtype.F32, 100), vec(dtype.F32, 101), vec(dtype.F32, 102)}
		}
		s := tensor.New(dtype.F32, 1)
		if err := waitFor(ctx)(pg.Scatter(s, in, root)); err != nil {
			return err
		}
		scattered[me] = s.Data()[0]
		return nil
	})

	if diff := cmp.Diff([]float32{0, 10, 30}, reduced); diff != "" {
		t.Errorf("reduce (-want +got):\n%s", diff)
	}
	for r, g := range gathered {
		if g.Data()[0] != float32(r)+0.5 {
			t.Errorf("gather slot %d = %v", r, g.Data())
		}
	}
	if diff := cmp.Diff([]float32{100, 101, 102}, scattered); diff != "" {
		t.Errorf("scatter (-want +got):\n%s", diff)
	}
}

func TestAllGatherLastUnevenWidths(t *testing.T) {
	t.Parallel()
	pgs := world(t, 3)
	widths := []int{2, 1, 3}
	got := make([]*tensor.Tensor, 3)
	onEvery(t, pgs, func(ctx context.Context, pg *ProcessGroup) error {
		me := pg.Rank()
		x := tensor.New(dtype.F32, 2, widths[me])
		for i := range x.Data() {
			x.Data()[i] = float32(me*100 + i)
		}
		out, err := AllGatherLast(ctx, pg, x, widths)
		got[me] = out
		return err
	})
	want := []float32{
		0, 1, 100, 200, 201, 202,
		2, 3, 101, 203, 204, 205,
	}
	for r, g := range got {
		if diff := cmp.Diff([]int{2, 6}, g.Shape()); diff != "" {
			t.Fatalf("rank %d shape (-want +got):\n%s", r, diff)
		}
		if diff := cmp.Diff(want, g.Data()); diff != "" {
			t.Fatalf("rank %d (-want +got):\n%s", r, diff)
		}
	}
}

func TestAllToAll(t *testing.T) {
	t.Parallel()
	pgs := world(t, 2)
	even := make([][]float32, 2)
	split := make([][]float32, 2)
	list := make([][]float32, 2)
	onEvery(t, pgs, func(ctx context.Context, pg *ProcessGroup) error {
		me := pg.Rank()
		base := float32(me * 10)

		in := tensor.Must(tensor.FromSlice(dtype.F32, []float32{base, base + 1, base + 2, base + 3}, 4, 1))
		out := tensor.New(dtype.F32, 4, 1)
		if err := waitFor(ctx)(pg.AllToAll(out, in, nil, nil)); err != nil {
			return err
		}
		even[me] = out.Data()

		// rank 0 keeps one row and sends two; rank 1 sends one row and keeps zero.
		inSplits := [][]int{{1, 2}, {1, 0}}[me]
		outSplits := [][]int{{1, 1}, {2, 0}}[me]
		in = tensor.Must(tensor.FromSlice(dtype.F32, []float32{base, base + 1, base + 2}[:inSplits[0]+inSplits[1]], inSplits[0]+inSplits[1]))
		out = tensor.New(dtype.F32, outSplits[0]+outSplits[1])
		if err := waitFor(ctx)(pg.AllToAll(out, in, outSplits, inSplits)); err != nil {
			return err
		}
		split[me] = out.Data()

		ins := []*tensor.Tensor{vec(dtype.F32, base), vec(dtype.F32, base+5, base+6)}
		outs := []*tensor.Tensor{tensor.New(dtype.F32, 1+me), tensor.New(dtype.F32, 1+me)}
		if err := waitFor(ctx)(pg.AllToAllList(outs, ins)); err != nil {
			return err
		}
		list[me] = append(append([]float32(nil), outs[0].Data()...), outs[1].Data()...)
		return nil
	})
	if diff := cmp.Diff([][]float32{{0, 1, 10, 11}, {2, 3, 12, 13}}, even); diff != "" {
		t.Errorf("even all-to-all (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([][]float32{{0, 10}, {1, 2}}, split); diff != "" {
		t.Errorf("split all-to-all (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([][]float32{{0, 10}, {5, 6, 15, 16}}, list); diff != "" {
		t.Errorf("list all-to-all (-want +got):\n%s", diff)
	}
}

func TestWorkPendingUntilPeerArrives(t *testing.T) {
	t.Parallel()
	pgs := world(t, 2)
	ctx := context.Background()

	x0 := vec(dtype.F32, 0)
	w0, err := pgs[0].Broadcast(x0, 1)
	if err != nil {
		t.Fatal(err)
	}
	if w0.IsCompleted() {
		t.Fatal("broadcast completed before the root joined")
	}
	if _, err := w0.IsSuccess(); !errors.Is(err, ErrPending) {
		t.Fatalf("IsSuccess before completion: %v", err)
	}
	if w0.Result() != nil {
		t.Fatal("result available before completion")
	}

	w1, err := pgs[1].Broadcast(vec(dtype.F32, 42), 1)
	if err != nil {
		t.Fatal(err)
	}
	for _, w := range []*Work{w0, w1} {
		if err := w.Wait(ctx); err != nil {
			t.Fatal(err)
		}
		if ok, err := w.IsSuccess(); !ok || err != nil {
			t.Fatalf("IsSuccess = %v, %v", ok, err)
		}
	}
	if w0.Result()[0].Data()[0] != 42 {
		t.Fatalf("received %v", x0.Data())
	}
	if w0.ID() == w1.ID() {
		t.Fatal("work ids collide")
	}
}

func TestQueueRunsInOrderAndDrainsOnClose(t *testing.T) {
	t.Parallel()
	pg := NewWorld(1, nil)[0]
	var (
		mu    sync.Mutex
		order []int
	)
	var works []*Work
	for i := range 20 {
		w, err := pg.enqueue("test", nil, func(context.Context) error {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			return nil
		})
		if err != nil {
			t.Fatal(err)
		}
		works = append(works, w)
	}
	if err := pg.Close(); err != nil {
		t.Fatal(err)
	}
	for i, w := range works {
		if !w.IsCompleted() {
			t.Fatalf("work %d still pending after Close", i)
		}
	}
	want := make([]int, 20)
	for i := range want {
		want[i] = i
	}
	if diff := cmp.Diff(want, order); diff != "" {
		t.Fatalf("execution order (-want +got):\n%s", diff)
	}

	if _, err := pg.Barrier(); !errors.Is(err, ErrClosed) {
		t.Fatalf("barrier after close: %v", err)
	}
	if _, err := pg.Recv(vec(dtype.F32, 0), 0, 0); !errors.Is(err, ErrClosed) {
		t.Fatalf("recv after close: %v", err)
	}
	if err := pg.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
}

func TestConcurrentProducersFireOnce(t *testing.T) {
	t.Parallel()
	const producers, items = 8, 200
	pg := NewWorld(1, nil)[0]
	var (
		mu    sync.Mutex
		fired [producers][]int
	)
	works := make([][]*Work, producers)
	var wg sync.WaitGroup
	for p := range producers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range items {
				w, err := pg.enqueue("test", nil, func(context.Context) error {
					mu.Lock()
					fired[p] = append(fired[p], i)
					mu.Unlock()
					return nil
				})
				if err != nil {
					t.Errorf("producer %d item %d: %v", p, i, err)
					return
				}
				works[p] = append(works[p], w)
			}
		}()
	}
	wg.Wait()
	if err := pg.Close(); err != nil {
		t.Fatal(err)
	}

	want := make([]int, items)
	for i := range want {
		want[i] = i
	}
	for p := range producers {
		if diff := cmp.Diff(want, fired[p]); diff != "" {
			t.Fatalf("producer %d callbacks (-want +got):\n%s", p, diff)
		}
		if len(works[p]) != items {
			t.Fatalf("producer %d queued %d items", p, len(works[p]))
		}
		for i, w := range works[p] {
			if !w.IsCompleted() {
				t.Fatalf("producer %d item %d pending after Close", p, i)
			}
		}
	}
}

func TestPanicBecomesWorkError(t *testing.T) {
	t.Parallel()
	pgs := world(t, 1)
	w, err := pgs[0].enqueue("boom", nil, func(context.Context) error { panic("bad tile") })
	if err != nil {
		t.Fatal(err)
	}
	err = w.Wait(context.Background())
	var ce *Error
	if !errors.As(err, &ce) || ce.Code != CodePanic || ce.Op != "boom" {
		t.Fatalf("got %v", err)
	}
	if ok, _ := w.IsSuccess(); ok {
		t.Fatal("failed work reported success")
	}
	// The consumer survives the panic.
	if err := waitFor(context.Background())(pgs[0].Barrier()); err != nil {
		t.Fatal(err)
	}
}

func TestUnsupportedAndInvalid(t *testing.T) {
	t.Parallel()
	pgs := world(t, 2)
	pg := pgs[0]
	x := vec(dtype.F32, 1)
	if _, err := pg.AllReduceCoalesced([]*tensor.Tensor{x}, Sum); !errors.Is(err, ErrUnsupported) {
		t.Errorf("allreduce_coalesced: %v", err)
	}
	if _, err := pg.AllGatherCoalesced(nil, nil); !errors.Is(err, ErrUnsupported) {
		t.Errorf("allgather_coalesced: %v", err)
	}
	if _, err := pg.ReduceScatter(x, nil, Sum); !errors.Is(err, ErrUnsupported) {
		t.Errorf("reduce_scatter: %v", err)
	}
	if _, err := pg.Broadcast(x, 2); !errors.Is(err, ErrInvalid) {
		t.Errorf("broadcast root out of range: %v", err)
	}
	if _, err := pg.AllGather([]*tensor.Tensor{x}, x); !errors.Is(err, ErrInvalid) {
		t.Errorf("all_gather with one slot: %v", err)
	}
	if _, err := pg.AllToAll(tensor.New(dtype.F32, 3), tensor.New(dtype.F32, 3), nil, nil); !errors.Is(err, ErrInvalid) {
		t.Errorf("all_to_all with indivisible rows: %v", err)
	}
	if _, err := pg.Send(x, 1, -1); !errors.Is(err, ErrInvalid) {
		t.Errorf("send with reserved tag: %v", err)
	}
}

func TestPointToPoint(t *testing.T) {
	t.Parallel()
	pgs := world(t, 3)
	ctx := context.Background()

	buf := vec(dtype.F32, 0, 0)
	recv, err := pgs[0].Recv(buf, 2, 7)
	if err != nil {
		t.Fatal(err)
	}
	if recv.IsCompleted() {
		t.Fatal("receive completed before the send")
	}
	if _, err := recv.IsSuccess(); !errors.Is(err, ErrPending) {
		t.Fatalf("IsSuccess before completion: %v", err)
	}

	// A message under another tag must not satisfy the receive.
	other, err := pgs[2].Send(vec(dtype.F32, 9, 9), 0, 8)
	if err != nil {
		t.Fatal(err)
	}
	if recv.IsCompleted() {
		t.Fatal("receive matched the wrong tag")
	}
	send, err := pgs[2].Send(vec(dtype.F32, 3, 4), 0, 7)
	if err != nil {
		t.Fatal(err)
	}
	for _, w := range []*AsyncWork{send, other, recv} {
		if err := w.Wait(ctx); err != nil {
			t.Fatal(err)
		}
		w.Release()
	}
	if ok, err := recv.IsSuccess(); !ok || err != nil {
		t.Fatalf("IsSuccess = %v, %v", ok, err)
	}
	if diff := cmp.Diff([]float32{3, 4}, buf.Data()); diff != "" {
		t.Fatalf("received (-want +got):\n%s", diff)
	}
	if recv.SourceRank() != 2 {
		t.Fatalf("source rank %d", recv.SourceRank())
	}

	anyBuf := vec(dtype.F32, 0, 0)
	anyRecv, err := pgs[0].RecvAnySource(anyBuf, 8)
	if err != nil {
		t.Fatal(err)
	}
	if err := anyRecv.Wait(ctx); err != nil {
		t.Fatal(err)
	}
	anyRecv.Release()
	if anyRecv.SourceRank() != 2 || anyBuf.Data()[0] != 9 {
		t.Fatalf("any-source receive got %v from %d", anyBuf.Data(), anyRecv.SourceRank())
	}
}

func TestReceiveSizeMismatch(t *testing.T) {
	t.Parallel()
	pgs := world(t, 2)
	ctx := context.Background()
	send, err := pgs[1].Send(vec(dtype.F32, 1, 2, 3), 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	recv, err := pgs[0].Recv(vec(dtype.F32, 0), 1, 0)
	if err != nil {
		t.Fatal(err)
	}
	err = recv.Wait(ctx)
	if !errors.Is(err, &Error{Code: CodeTruncate}) {
		t.Fatalf("expected truncation error, got %v", err)
	}
	if ok, _ := recv.IsSuccess(); ok {
		t.Fatal("truncated receive reported success")
	}
	if err := send.Wait(ctx); err != nil {
		t.Fatal(err)
	}
	send.Release()
	recv.Release()
}

func TestWaitHonorsContext(t *testing.T) {
	t.Parallel()
	pgs := world(t, 2)
	recv, err := pgs[0].Recv(vec(dtype.F32, 0), 1, 3)
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := recv.Wait(ctx); !errors.Is(err, &Error{Code: CodeCanceled}) {
		t.Fatalf("expected cancellation, got %v", err)
	}
	if recv.IsCompleted() {
		t.Fatal("canceled wait completed the receive")
	}
	send, err := pgs[1].Send(vec(dtype.F32, 5), 0, 3)
	if err != nil {
		t.Fatal(err)
	}
	for _, w := range []*AsyncWork{send, recv} {
		if err := w.Wait(context.Background()); err != nil {
			t.Fatal(err)
		}
		w.Release()
	}
}

// Not parallel: swaps the package fatal hook.
func TestReleasePendingIsFatal(t *testing.T) {
	var msgs []string
	restore := SetFatalHook(func(msg string) { msgs = append(msgs, msg) })
	defer restore()

	pgs := world(t, 2)
	recv, err := pgs[0].Recv(vec(dtype.F32, 0), 1, 0)
	if err != nil {
		t.Fatal(err)
	}
	recv.Release()
	if diff := cmp.Diff([]string{pendingReleaseMsg}, msgs); diff != "" {
		t.Fatalf("fatal hook (-want +got):\n%s", diff)
	}

	recv.Release()
	if len(msgs) != 1 {
		t.Fatal("second release called the hook again")
	}
}

func TestAllReduceSumLeavesInputOnCancel(t *testing.T) {
	t.Parallel()
	pgs := world(t, 2)
	canceled, cancel := context.WithCancel(context.Background())
	cancel()

	x0 := vec(dtype.F32, 1, 2)
	if err := AllReduceSum(canceled, pgs[0], x0); !errors.Is(err, context.Canceled) {
		t.Fatalf("rank 0: %v", err)
	}
	// Rank 1 finishes only after rank 0's queued reduction has run.
	x1 := vec(dtype.F32, 10, 20)
	ctx, stop := context.WithTimeout(context.Background(), 10*time.Second)
	defer stop()
	if err := AllReduceSum(ctx, pgs[1], x1); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]float32{11, 22}, x1.Data()); diff != "" {
		t.Fatalf("rank 1 (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]float32{1, 2}, x0.Data()); diff != "" {
		t.Fatalf("canceled rank 0 was written (-want +got):\n%s", diff)
	}
}
