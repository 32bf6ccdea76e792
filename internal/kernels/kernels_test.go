package kernels

import (
	"errors"
	"math"
	"testing"

	"github.com/samcharles93/fusedllm/internal/config"
	"github.com/samcharles93/fusedllm/internal/dtype"
	"github.com/samcharles93/fusedllm/internal/layout"
	"github.com/samcharles93/fusedllm/internal/parallel"
	"github.com/samcharles93/fusedllm/internal/tensor"
	"github.com/samcharles93/fusedllm/internal/tile"
)

func newTestExec(t *testing.T, mut func(*config.Tuning)) *Exec {
	t.Helper()
	tun := config.Default()
	tun.Workers = 4
	if mut != nil {
		mut(&tun)
	}
	e := &Exec{Tuning: tun, Pool: parallel.New(tun.Workers)}
	t.Cleanup(e.Close)
	return e
}

func randTensor(dt dtype.DType, seed int64, shape ...int) *tensor.Tensor {
	x := tensor.New(dt, shape...)
	tensor.FillRand(x, seed, 0.5)
	return x
}

// packed returns a logical [k, c] weight and its blocked form with the given
// block sizes.
func packed(t *testing.T, dt dtype.DType, k, c, hc, hk int) (*tensor.Tensor, *layout.Weight) {
	t.Helper()
	w := randTensor(dt, int64(k*7+c), k, c)
	b, err := layout.FromLogical(w, hc, hk)
	if err != nil {
		t.Fatal(err)
	}
	p, err := layout.ForFwd(b)
	if err != nil {
		t.Fatal(err)
	}
	return w, p
}

func reference(in, w, bias *tensor.Tensor) []float32 {
	rows := in.Dim(0) * in.Dim(1)
	C, K := in.Dim(2), w.Dim(0)
	x, wd := in.Data(), w.Data()
	out := make([]float32, rows*K)
	for r := 0; r < rows; r++ {
		for k := 0; k < K; k++ {
			var s float64
			if bias != nil {
				s = float64(bias.Data()[k])
			}
			for c := 0; c < C; c++ {
				s += float64(x[r*C+c]) * float64(wd[k*C+c])
			}
			out[r*K+k] = float32(s)
		}
	}
	return out
}

func closeTo(t *testing.T, got, want []float32, tol float64) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("length %d want %d", len(got), len(want))
	}
	for i := range got {
		d := math.Abs(float64(got[i] - want[i]))
		if d > tol*(1+math.Abs(float64(want[i]))) || math.IsNaN(float64(got[i])) {
			t.Fatalf("index %d: got %v want %v", i, got[i], want[i])
		}
	}
}

func TestFCPlainMatchesReference(t *testing.T) {
	t.Parallel()
	e := newTestExec(t, nil)
	in := randTensor(dtype.F32, 1, 2, 37, 32)
	w, pw := packed(t, dtype.F32, 24, 32, 8, 8)
	bias := randTensor(dtype.F32, 2, 24)
	out, err := e.FCPlain(config.Pass{}, in, pw, bias)
	if err != nil {
		t.Fatal(err)
	}
	if got := out.Shape(); got[0] != 2 || got[1] != 37 || got[2] != 24 {
		t.Fatalf("shape %v", got)
	}
	closeTo(t, out.Data(), reference(in, w, bias), 1e-5)
}

func TestLargeCacheModeAgrees(t *testing.T) {
	t.Parallel()
	e := newTestExec(t, func(c *config.Tuning) { c.LargeCacheBlocks = 3 })
	in := randTensor(dtype.F32, 3, 1, 330, 64)
	w, pw := packed(t, dtype.F32, 16, 64, 8, 8)
	pass := config.PassFor(330)
	if !pass.LargeCache {
		t.Fatal("330 rows should select large-cache mode")
	}
	out, err := e.FCPlain(pass, in, pw, nil)
	if err != nil {
		t.Fatal(err)
	}
	closeTo(t, out.Data(), reference(in, w, nil), 1e-5)
}

func TestEpilogues(t *testing.T) {
	t.Parallel()
	e := newTestExec(t, nil)
	in := randTensor(dtype.F32, 4, 2, 5, 16)
	w, pw := packed(t, dtype.F32, 16, 16, 8, 4)
	bias := randTensor(dtype.F32, 5, 16)
	in1 := randTensor(dtype.F32, 6, 2, 5, 16)
	in2 := randTensor(dtype.F32, 7, 2, 5, 16)
	base := reference(in, w, bias)
	p := config.Pass{}

	apply := func(f func(i int, v float32) float32) []float32 {
		out := make([]float32, len(base))
		for i, v := range base {
			out[i] = f(i, v)
		}
		return out
	}
	a, b := in1.Data(), in2.Data()

	cases := []struct {
		name string
		run  func() (*tensor.Tensor, error)
		want []float32
	}{
		{"gelu", func() (*tensor.Tensor, error) { return e.FCGelu(p, in, pw, bias) },
			apply(func(_ int, v float32) float32 { return tile.Gelu(v) })},
		{"silu", func() (*tensor.Tensor, error) { return e.FCSilu(p, in, pw, bias) },
			apply(func(_ int, v float32) float32 { return tile.Silu(v) })},
		{"relu", func() (*tensor.Tensor, error) { return e.FCRelu(p, in, pw, bias) },
			apply(func(_ int, v float32) float32 { return tile.Relu(v) })},
		{"mul", func() (*tensor.Tensor, error) { return e.FCMul(p, in, in1, pw, bias) },
			apply(func(i int, v float32) float32 { return v * a[i] })},
		{"add_scale", func() (*tensor.Tensor, error) { return e.FCAddScale(p, in, in1, pw, bias, 0.5) },
			apply(func(i int, v float32) float32 { return v + 0.5*a[i] })},
		{"add2_scale", func() (*tensor.Tensor, error) { return e.FCAdd2Scale(p, in, in1, in2, pw, bias, 0.25) },
			apply(func(i int, v float32) float32 { return v + a[i] + 0.25*b[i] })},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			out, err := tc.run()
			if err != nil {
				t.Fatal(err)
			}
			closeTo(t, out.Data(), tc.want, 1e-5)
		})
	}
}

func TestFirstTokenRegroupDoesNotChangeResult(t *testing.T) {
	t.Parallel()
	regroup := newTestExec(t, func(c *config.Tuning) { c.FirstTokenThreshold = 0 })
	plain := newTestExec(t, func(c *config.Tuning) { c.FirstTokenThreshold = 1 << 20 })
	in := randTensor(dtype.BF16, 8, 1, 9, 32)
	_, pw := packed(t, dtype.BF16, 32, 32, 8, 8)
	got, err := regroup.FCGelu(config.Pass{}, in, pw, nil)
	if err != nil {
		t.Fatal(err)
	}
	want, err := plain.FCGelu(config.Pass{}, in, pw, nil)
	if err != nil {
		t.Fatal(err)
	}
	closeTo(t, got.Data(), want.Data(), 1e-6)
	for _, v := range got.Data() {
		if dtype.BF16.Round(v) != v {
			t.Fatalf("output %v not rounded to bf16", v)
		}
	}
}

func TestQKVGemmOutputDType(t *testing.T) {
	t.Parallel()
	e := newTestExec(t, nil)
	in := randTensor(dtype.BF16, 9, 1, 3, 16)
	w, pw := packed(t, dtype.BF16, 16, 16, 8, 8)
	out, err := e.QKVGemm(config.Pass{}, in, pw, nil, dtype.F32)
	if err != nil {
		t.Fatal(err)
	}
	if out.DType() != dtype.F32 {
		t.Fatalf("dtype %s", out.DType())
	}
	closeTo(t, out.Data(), reference(in, w, nil), 1e-5)
}

func TestLinearRejectsBadInput(t *testing.T) {
	t.Parallel()
	e := newTestExec(t, nil)
	_, pw := packed(t, dtype.F32, 16, 16, 8, 8)
	if _, err := e.FCPlain(config.Pass{}, randTensor(dtype.F32, 1, 2, 8), pw, nil); !errors.Is(err, ErrShape) {
		t.Fatalf("rank-2 input: %v", err)
	}
	if _, err := e.FCPlain(config.Pass{}, randTensor(dtype.F32, 1, 1, 2, 8), pw, nil); !errors.Is(err, ErrShape) {
		t.Fatalf("wrong width: %v", err)
	}
	if _, err := e.FCMul(config.Pass{}, randTensor(dtype.F32, 1, 1, 2, 16), nil, pw, nil); !errors.Is(err, ErrShape) {
		t.Fatalf("missing side input: %v", err)
	}
	if _, err := e.FCPlain(config.Pass{}, randTensor(dtype.F32, 1, 1, 2, 16), pw, randTensor(dtype.F32, 1, 3)); !errors.Is(err, ErrShape) {
		t.Fatalf("bad bias: %v", err)
	}
	_, f16 := packed(t, dtype.F16, 16, 16, 8, 8)
	if _, err := e.FCPlain(config.Pass{}, randTensor(dtype.F16, 1, 1, 2, 16), f16, nil); !errors.Is(err, dtype.ErrUnsupported) {
		t.Fatalf("f16 weights: %v", err)
	}
}

func TestNormKernels(t *testing.T) {
	t.Parallel()
	e := newTestExec(t, nil)
	in := randTensor(dtype.BF16, 10, 2, 3, 8)
	gamma := randTensor(dtype.F32, 11, 8)
	beta := randTensor(dtype.F32, 12, 8)

	ln, err := e.LayerNorm(in, gamma, beta, 1e-5)
	if err != nil {
		t.Fatal(err)
	}
	want := make([]float32, 8)
	for r := 0; r < 6; r++ {
		tile.LayerNorm(want, in.Data()[r*8:(r+1)*8], gamma.Data(), beta.Data(), 1e-5)
		dtype.BF16.RoundSlice(want)
		closeTo(t, ln.Data()[r*8:(r+1)*8], want, 0)
	}

	rms, err := e.RMSNorm(in, gamma, 1e-6)
	if err != nil {
		t.Fatal(err)
	}
	for r := 0; r < 6; r++ {
		tile.RMSNorm(want, in.Data()[r*8:(r+1)*8], gamma.Data(), 1e-6)
		dtype.BF16.RoundSlice(want)
		closeTo(t, rms.Data()[r*8:(r+1)*8], want, 0)
	}

	if _, err := e.LayerNorm(in, randTensor(dtype.F32, 1, 7), nil, 1e-5); !errors.Is(err, ErrShape) {
		t.Fatalf("short gamma: %v", err)
	}
	if _, err := e.RMSNorm(randTensor(dtype.F32, 1, 1, 1, 8), randTensor(dtype.BF16, 1, 8), 1e-5); !errors.Is(err, dtype.ErrUnsupported) {
		t.Fatalf("f32/bf16 pair: %v", err)
	}
}

func TestRotaryGPTJ(t *testing.T) {
	t.Parallel()
	e := newTestExec(t, nil)
	const heads, hd, rot, maxPos = 2, 8, 4, 16
	table := SinusoidalTableGPTJ(maxPos, rot, DefaultRopeBase)
	x := randTensor(dtype.F32, 13, 1, 3, heads*hd)
	orig := x.Clone()
	pos := []int{0, 5, maxPos + 1}
	if err := e.RotaryGPTJ(x, table, pos, heads, hd); err != nil {
		t.Fatal(err)
	}
	d, o := x.Data(), orig.Data()
	F := heads * hd
	// Position 0 is the identity and out-of-table positions are untouched.
	closeTo(t, d[:F], o[:F], 1e-7)
	closeTo(t, d[2*F:], o[2*F:], 0)
	// Rotation preserves each pair's norm and leaves the tail of the head alone.
	row, orow := d[F:2*F], o[F:2*F]
	for n := 0; n < heads; n++ {
		h, oh := row[n*hd:], orow[n*hd:]
		for i := 0; i < rot; i += 2 {
			got := math.Hypot(float64(h[i]), float64(h[i+1]))
			want := math.Hypot(float64(oh[i]), float64(oh[i+1]))
			if math.Abs(got-want) > 1e-5 {
				t.Fatalf("pair %d norm %v want %v", i, got, want)
			}
		}
		closeTo(t, h[rot:hd], oh[rot:hd], 0)
	}
	// First pair at position 5 rotates by angle 5.
	c, s := float32(math.Cos(5)), float32(math.Sin(5))
	closeTo(t, row[:2], []float32{orow[0]*c - orow[1]*s, orow[1]*c + orow[0]*s}, 1e-5)
}

func TestRotaryLlama(t *testing.T) {
	t.Parallel()
	e := newTestExec(t, nil)
	const heads, hd, maxPos = 1, 8, 8
	table := RopeTableLlama(maxPos, hd, DefaultRopeBase)
	x := randTensor(dtype.F32, 14, 2, 1, heads*hd)
	orig := x.Clone()
	if err := e.RotaryLlama(x, table, []int{3}, heads, hd); err != nil {
		t.Fatal(err)
	}
	for b := 0; b < 2; b++ {
		h, oh := x.Data()[b*hd:], orig.Data()[b*hd:]
		c, s := float32(math.Cos(3)), float32(math.Sin(3))
		closeTo(t, []float32{h[0], h[4]}, []float32{oh[0]*c - oh[4]*s, oh[4]*c + oh[0]*s}, 1e-5)
	}
	if err := e.RotaryLlama(x, table, []int{1, 2, 3}, heads, hd); !errors.Is(err, ErrShape) {
		t.Fatalf("position count: %v", err)
	}
}

func TestRotaryInverseRestoresInput(t *testing.T) {
	t.Parallel()
	e := newTestExec(t, nil)
	const heads, hd, maxPos = 2, 16, 32
	pos := []int{0, 4, 9, 31, 7, 2}

	gptj := SinusoidalTableGPTJ(maxPos, 8, DefaultRopeBase)
	invGPTJ := gptj.Clone()
	for p := 0; p < maxPos; p++ {
		for i := 0; i < 4; i++ {
			invGPTJ.Data()[p*8+i] = -invGPTJ.Data()[p*8+i]
		}
	}
	llama := RopeTableLlama(maxPos, hd, DefaultRopeBase)
	invLlama := llama.Clone()
	for i := maxPos * hd; i < 2*maxPos*hd; i++ {
		invLlama.Data()[i] = -invLlama.Data()[i]
	}

	x := randTensor(dtype.F32, 15, 2, 3, heads*hd)
	orig := x.Clone()
	for _, apply := range []func(*tensor.Tensor) error{
		func(x *tensor.Tensor) error { return e.RotaryGPTJ(x, gptj, pos, heads, hd) },
		func(x *tensor.Tensor) error { return e.RotaryGPTJ(x, invGPTJ, pos, heads, hd) },
		func(x *tensor.Tensor) error { return e.RotaryLlama(x, llama, pos, heads, hd) },
		func(x *tensor.Tensor) error { return e.RotaryLlama(x, invLlama, pos, heads, hd) },
	} {
		if err := apply(x); err != nil {
			t.Fatal(err)
		}
	}
	closeTo(t, x.Data(), orig.Data(), 1e-5)
}
