package block

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"golang.org/x/sync/errgroup"

	"github.com/samcharles93/fusedllm/internal/collective"
	"github.com/samcharles93/fusedllm/internal/config"
	"github.com/samcharles93/fusedllm/internal/dtype"
	"github.com/samcharles93/fusedllm/internal/kernels"
	"github.com/samcharles93/fusedllm/internal/kvcache"
	"github.com/samcharles93/fusedllm/internal/tensor"
)

var approx = cmp.Comparer(func(a, b float32) bool {
	return math.Abs(float64(a-b)) <= 2e-4*(1+math.Abs(float64(b)))
})

func testExec(t *testing.T) *kernels.Exec {
	t.Helper()
	tun := config.Default()
	tun.Workers = 2
	tun.KVCacheIncrement = 2
	x, err := kernels.NewExec(tun)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(x.Close)
	return x
}

func configs() map[string]Config {
	base := Config{Layers: 2, Hidden: 64, Heads: 4, HeadDim: 16, Intermediate: 128, Eps: 1e-5, DType: dtype.F32, ParamDType: dtype.F32}
	gptj := base
	gptj.Family, gptj.MaxPositions, gptj.RotaryDim = FamilyGPTJ, 64, 8
	optPre := base
	optPre.Family, optPre.LayerNormBefore = FamilyOPT, true
	optPost := base
	optPost.Family = FamilyOPT
	llama := base
	llama.Family, llama.MaxPositions, llama.RotaryDim = FamilyLlama, 64, 16
	return map[string]Config{"gptj": gptj, "opt_pre": optPre, "opt_post": optPost, "llama": llama}
}

func layers(c Config) [][]*tensor.Tensor {
	out := make([][]*tensor.Tensor, c.Layers)
	for i := range out {
		out[i] = Synthetic(c, int64(i+1))
	}
	return out
}

func hidden(c Config, seed int64, b, s int) *tensor.Tensor {
	h := tensor.New(c.DType, b, s, c.Hidden)
	tensor.FillRand(h, seed, 1)
	return h
}

func narrowSeq(t *testing.T, h *tensor.Tensor, start, n int) *tensor.Tensor {
	t.Helper()
	out, err := h.Narrow(1, start, n)
	if err != nil {
		t.Fatal(err)
	}
	return out
}

func TestConfigValidate(t *testing.T) {
	t.Parallel()
	for name, c := range configs() {
		if err := c.Validate(); err != nil {
			t.Fatalf("%s: %v", name, err)
		}
	}
	bad := configs()["llama"]
	bad.RotaryDim = 7
	if err := bad.Validate(); !errors.Is(err, ErrConfig) {
		t.Fatalf("odd rotary dim: %v", err)
	}
	bad = configs()["gptj"]
	bad.Heads = 3
	if err := bad.Validate(); !errors.Is(err, ErrConfig) {
		t.Fatalf("heads x head dim != hidden: %v", err)
	}
	bad = configs()["opt_pre"]
	bad.DType, bad.ParamDType = dtype.F32, dtype.BF16
	if err := bad.Validate(); !errors.Is(err, dtype.ErrUnsupported) {
		t.Fatalf("f32/bf16: %v", err)
	}
}

func TestDecodeStepsMatchPrefill(t *testing.T) {
	t.Parallel()
	const B, prompt, steps = 2, 6, 3
	x := testExec(t)
	for name, c := range configs() {
		st, err := NewStack(c, layers(c), Options{Exec: x})
		if err != nil {
			t.Fatalf("%s: %v", name, err)
		}
		in := hidden(c, 7, B, prompt+steps)
		want, caches, err := st.Forward(context.Background(), Inputs{Hidden: in}, nil, false)
		if err != nil {
			t.Fatalf("%s: %v", name, err)
		}
		if caches != nil {
			t.Fatalf("%s: caches returned without use_cache", name)
		}

		for _, indirect := range []bool{true, false} {
			ss := st.NewSession(indirect)
			parts := make([]*tensor.Tensor, 0, steps+1)
			out, err := ss.Step(context.Background(), narrowSeq(t, in, 0, prompt), nil)
			if err != nil {
				t.Fatalf("%s indirect=%v: prefill: %v", name, indirect, err)
			}
			parts = append(parts, out)
			for s := prompt; s < prompt+steps; s++ {
				out, err := ss.Step(context.Background(), narrowSeq(t, in, s, 1), nil)
				if err != nil {
					t.Fatalf("%s indirect=%v: step %d: %v", name, indirect, s, err)
				}
				parts = append(parts, out)
			}
			got := stitch(parts)
			if diff := cmp.Diff(want.Data(), got, approx); diff != "" {
				t.Fatalf("%s indirect=%v: hidden differs (-prefill +steps):\n%s", name, indirect, diff)
			}
			if ss.SeqLen() != prompt+steps || ss.Steps() != steps+1 {
				t.Fatalf("%s indirect=%v: seq len %d steps %d", name, indirect, ss.SeqLen(), ss.Steps())
			}
		}
	}
}

// stitch joins [B, S_i, F] pieces along the sequence.
func stitch(parts []*tensor.Tensor) []float32 {
	B, F := parts[0].Dim(0), parts[0].Dim(2)
	total := 0
	for _, p := range parts {
		total += p.Dim(1)
	}
	out := make([]float32, B*total*F)
	at := 0
	for _, p := range parts {
		S := p.Dim(1)
		for b := 0; b < B; b++ {
			copy(out[(b*total+at)*F:], p.Data()[b*S*F:(b+1)*S*F])
		}
		at += S
	}
	return out
}

func TestTensorParallelMatchesSingleRank(t *testing.T) {
	t.Parallel()
	const world, B, S = 2, 2, 5
	for name, c := range configs() {
		full := layers(c)
		ref, err := NewStack(c, full, Options{Exec: testExec(t)})
		if err != nil {
			t.Fatalf("%s: %v", name, err)
		}
		in := hidden(c, 11, B, S)
		step := hidden(c, 12, B, 1)
		want, caches, err := ref.Forward(context.Background(), Inputs{Hidden: in}, nil, true)
		if err != nil {
			t.Fatalf("%s: %v", name, err)
		}
		wantStep, _, err := ref.Forward(context.Background(), Inputs{Hidden: step}, caches, false)
		if err != nil {
			t.Fatalf("%s: %v", name, err)
		}

		pgs := collective.NewWorld(world, nil)
		got := make([]*tensor.Tensor, world)
		gotStep := make([]*tensor.Tensor, world)
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		g, ctx := errgroup.WithContext(ctx)
		for _, pg := range pgs {
			r := pg.Rank()
			shards := make([][]*tensor.Tensor, len(full))
			for i, ps := range full {
				if shards[i], err = Shard(c, ps, r, world); err != nil {
					t.Fatalf("%s: shard: %v", name, err)
				}
			}
			st, err := NewStack(c, shards, Options{Exec: testExec(t), Group: pg})
			if err != nil {
				t.Fatalf("%s: rank %d: %v", name, r, err)
			}
			if h := st.Layers()[0].Heads(); h != c.Heads/world {
				t.Fatalf("%s: rank %d holds %d heads", name, r, h)
			}
			g.Go(func() error {
				out, caches, err := st.Forward(ctx, Inputs{Hidden: in}, nil, true)
				if err != nil {
					return err
				}
				got[r] = out
				gotStep[r], _, err = st.Forward(ctx, Inputs{Hidden: step}, caches, false)
				return err
			})
		}
		err = g.Wait()
		cancel()
		for _, pg := range pgs {
			pg.Close()
		}
		if err != nil {
			t.Fatalf("%s: %v", name, err)
		}
		for r := range world {
			if diff := cmp.Diff(want.Data(), got[r].Data(), approx); diff != "" {
				t.Fatalf("%s: rank %d prefill differs (-single +parallel):\n%s", name, r, diff)
			}
			if diff := cmp.Diff(wantStep.Data(), gotStep[r].Data(), approx); diff != "" {
				t.Fatalf("%s: rank %d step differs (-single +parallel):\n%s", name, r, diff)
			}
		}
	}
}

func TestReorderFollowsParent(t *testing.T) {
	t.Parallel()
	c := configs()["llama"]
	st, err := NewStack(c, layers(c), Options{Exec: testExec(t)})
	if err != nil {
		t.Fatal(err)
	}
	tok := hidden(c, 5, 1, 1)
	both := tensor.New(c.DType, 2, 1, c.Hidden)
	copy(both.Data(), tok.Data())
	copy(both.Data()[c.Hidden:], tok.Data())

	for _, indirect := range []bool{true, false} {
		ss := st.NewSession(indirect)
		if err := ss.Reorder([]int{0, 0}); !errors.Is(err, kvcache.ErrCacheTuple) {
			t.Fatalf("indirect=%v: reorder before prefill: %v", indirect, err)
		}
		if _, err := ss.Step(context.Background(), hidden(c, 4, 2, 4), nil); err != nil {
			t.Fatal(err)
		}
		if err := ss.Reorder([]int{1, 1}); err != nil {
			t.Fatalf("indirect=%v: %v", indirect, err)
		}
		out, err := ss.Step(context.Background(), both, nil)
		if err != nil {
			t.Fatalf("indirect=%v: %v", indirect, err)
		}
		F := c.Hidden
		if diff := cmp.Diff(out.Data()[F:], out.Data()[:F], approx); diff != "" {
			t.Fatalf("indirect=%v: rows sharing a parent differ:\n%s", indirect, diff)
		}

		ss.Reset()
		if ss.SeqLen() != 0 || ss.Steps() != 0 {
			t.Fatalf("indirect=%v: reset left %d positions", indirect, ss.SeqLen())
		}
	}
}

func TestBlockRejectsBadInput(t *testing.T) {
	t.Parallel()
	x := testExec(t)
	c := configs()["gptj"]
	ps := Synthetic(c, 1)

	if _, err := NewGPTJ(ps[:5], c.Eps, c.HeadDim, c.MaxPositions, c.RotaryDim, Options{Exec: x}); !errors.Is(err, ErrParams) {
		t.Fatalf("short params: %v", err)
	}
	if _, err := NewGPTJ(ps, c.Eps, c.HeadDim, c.MaxPositions, c.RotaryDim, Options{}); !errors.Is(err, ErrParams) {
		t.Fatalf("no executor: %v", err)
	}

	f16 := c
	f16.ParamDType = dtype.F16
	if _, err := New(f16, Synthetic(f16, 1), Options{Exec: x}); !errors.Is(err, dtype.ErrUnsupported) {
		t.Fatalf("f32/f16 pair: %v", err)
	}

	b, err := New(c, ps, Options{Exec: x})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := b.Forward(context.Background(), Inputs{Hidden: tensor.New(dtype.F32, 1, 2, 32)}, nil, false); !errors.Is(err, kernels.ErrShape) {
		t.Fatalf("narrow hidden: %v", err)
	}
	if _, err := b.Forward(context.Background(), Inputs{Hidden: tensor.New(dtype.BF16, 1, 2, 64)}, nil, false); !errors.Is(err, dtype.ErrUnsupported) {
		t.Fatalf("bf16 hidden on f32 block: %v", err)
	}
}

func TestNilTableMatchesGenerated(t *testing.T) {
	t.Parallel()
	x := testExec(t)
	for _, name := range []string{"gptj", "llama"} {
		c := configs()[name]
		ps := Synthetic(c, 3)
		withTable, err := New(c, ps, Options{Exec: x})
		if err != nil {
			t.Fatal(err)
		}
		bare := append([]*tensor.Tensor(nil), ps...)
		bare[len(bare)-1] = nil
		generated, err := New(c, bare, Options{Exec: x})
		if err != nil {
			t.Fatal(err)
		}
		in := Inputs{Hidden: hidden(c, 9, 1, 4), Positions: []int{3, 0, 7, 100}}
		a, err := withTable.Forward(context.Background(), in, nil, false)
		if err != nil {
			t.Fatal(err)
		}
		b, err := generated.Forward(context.Background(), in, nil, false)
		if err != nil {
			t.Fatal(err)
		}
		if diff := cmp.Diff(a.Hidden.Data(), b.Hidden.Data(), approx); diff != "" {
			t.Fatalf("%s: (-given +generated):\n%s", name, diff)
		}
	}
}

func TestRange(t *testing.T) {
	t.Parallel()
	var got []ShardRange
	for r := range 3 {
		s, err := Range(10, 1, r, 3)
		if err != nil {
			t.Fatal(err)
		}
		got = append(got, s)
	}
	want := []ShardRange{{0, 4}, {4, 3}, {7, 3}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("(-want +got):\n%s", diff)
	}
	if s, err := Range(64, 16, 1, 2); err != nil || s != (ShardRange{32, 32}) {
		t.Fatalf("heads: %v %v", s, err)
	}
	if _, err := Range(48, 16, 0, 4); !errors.Is(err, ErrParams) {
		t.Fatalf("3 heads over 4 ranks: %v", err)
	}
	if _, err := Range(50, 16, 0, 2); !errors.Is(err, ErrParams) {
		t.Fatalf("partial head: %v", err)
	}
}
