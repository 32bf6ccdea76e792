package weights

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/samcharles93/fusedllm/internal/block"
	"github.com/samcharles93/fusedllm/internal/config"
	"github.com/samcharles93/fusedllm/internal/dtype"
	"github.com/samcharles93/fusedllm/internal/kernels"
	"github.com/samcharles93/fusedllm/internal/tensor"
)

func testConfig(family block.Family, act, param dtype.DType) block.Config {
	c := block.Config{
		Family: family, Layers: 2, Hidden: 32, Heads: 2, HeadDim: 16, Intermediate: 64,
		Eps: 1e-5, DType: act, ParamDType: param,
	}
	if family != block.FamilyOPT {
		c.MaxPositions, c.RotaryDim = 32, 8
	}
	return c
}

func writeSynthetic(t *testing.T, c block.Config) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "model.fllw")
	if err := WriteSynthetic(path, c, 42); err != nil {
		t.Fatal(err)
	}
	return path
}

func data(ts []*tensor.Tensor) [][]float32 {
	out := make([][]float32, len(ts))
	for i, t := range ts {
		if t != nil {
			out[i] = t.Data()
		}
	}
	return out
}

func TestRoundTripThroughMmap(t *testing.T) {
	t.Parallel()
	for _, c := range []block.Config{
		testConfig(block.FamilyGPTJ, dtype.F32, dtype.F32),
		testConfig(block.FamilyOPT, dtype.BF16, dtype.BF16),
		testConfig(block.FamilyLlama, dtype.BF8, dtype.BF16),
	} {
		path := writeSynthetic(t, c)
		f, err := Open(path)
		if err != nil {
			t.Fatalf("%s: %v", c.Family, err)
		}
		if diff := cmp.Diff(c, f.Config()); diff != "" {
			t.Fatalf("%s: config (-want +got):\n%s", c.Family, diff)
		}
		for i := 0; i < c.Layers; i++ {
			got, err := f.Layer(i)
			if err != nil {
				t.Fatal(err)
			}
			want := block.Synthetic(c, 42+int64(i))
			if diff := cmp.Diff(data(want), data(got)); diff != "" {
				t.Fatalf("%s layer %d (-want +got):\n%s", c.Family, i, diff)
			}
			for j, g := range got {
				if g.DType() != want[j].DType() {
					t.Fatalf("%s layer %d tensor %d: dtype %s want %s", c.Family, i, j, g.DType(), want[j].DType())
				}
			}
		}
		if err := f.Close(); err != nil {
			t.Fatal(err)
		}
		if err := f.Close(); err != nil {
			t.Fatalf("second close: %v", err)
		}
		if _, err := f.Tensor(0, "q_proj"); !errors.Is(err, ErrTensorNotFound) {
			t.Fatalf("read after close: %v", err)
		}
	}
}

func TestOpenReaderAtMatchesMmap(t *testing.T) {
	t.Parallel()
	c := testConfig(block.FamilyLlama, dtype.F32, dtype.F32)
	path := writeSynthetic(t, c)
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	a, err := OpenReaderAt(bytes.NewReader(raw), int64(len(raw)))
	if err != nil {
		t.Fatal(err)
	}
	if a.Mapped() {
		t.Fatal("reader-backed file reports a mapping")
	}
	b, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer b.Close()
	if diff := cmp.Diff(a.Manifest(), b.Manifest()); diff != "" {
		t.Fatalf("manifest (-reader +mmap):\n%s", diff)
	}
	x, err := a.Tensor(1, "down_proj")
	if err != nil {
		t.Fatal(err)
	}
	y, err := b.Tensor(1, "down_proj")
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(x.Data(), y.Data()); diff != "" {
		t.Fatalf("down_proj (-reader +mmap):\n%s", diff)
	}
}

func TestCorruptFiles(t *testing.T) {
	t.Parallel()
	c := testConfig(block.FamilyGPTJ, dtype.F32, dtype.F32)
	raw, err := os.ReadFile(writeSynthetic(t, c))
	if err != nil {
		t.Fatal(err)
	}
	bad := bytes.Clone(raw)
	copy(bad, "NOPE")
	cases := map[string][]byte{
		"magic":     bad,
		"truncated": raw[:len(raw)/2],
		"header":    raw[:8],
	}
	for name, b := range cases {
		if _, err := OpenReaderAt(bytes.NewReader(b), int64(len(b))); !errors.Is(err, ErrCorrupt) {
			t.Fatalf("%s: %v", name, err)
		}
	}
}

func TestTensorNotFound(t *testing.T) {
	t.Parallel()
	f, err := Open(writeSynthetic(t, testConfig(block.FamilyOPT, dtype.F32, dtype.F32)))
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	if _, err := f.Tensor(0, "gate_proj"); !errors.Is(err, ErrTensorNotFound) {
		t.Fatalf("missing name: %v", err)
	}
	if _, err := f.Layer(5); !errors.Is(err, ErrTensorNotFound) {
		t.Fatalf("missing layer: %v", err)
	}
}

func TestAbsentParameters(t *testing.T) {
	t.Parallel()
	c := testConfig(block.FamilyGPTJ, dtype.F32, dtype.F32)
	layers := make([][]*tensor.Tensor, c.Layers)
	for i := range layers {
		layers[i] = block.Synthetic(c, int64(i))
		layers[i][len(layers[i])-1] = nil
	}
	var buf bytes.Buffer
	if err := Write(&buf, c, layers); err != nil {
		t.Fatal(err)
	}
	f, err := OpenReaderAt(bytes.NewReader(buf.Bytes()), int64(buf.Len()))
	if err != nil {
		t.Fatal(err)
	}
	table, err := f.Tensor(0, "embed_positions")
	if err != nil || table != nil {
		t.Fatalf("absent table: %v %v", table, err)
	}
}

func TestLayerShard(t *testing.T) {
	t.Parallel()
	c := testConfig(block.FamilyOPT, dtype.F32, dtype.F32)
	f, err := Open(writeSynthetic(t, c))
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	full, err := f.Layer(0)
	if err != nil {
		t.Fatal(err)
	}
	shapes := map[string][]int{}
	for rank := range 2 {
		ps, err := f.LayerShard(0, rank, 2)
		if err != nil {
			t.Fatal(err)
		}
		for i, sp := range block.Specs(c) {
			shapes[sp.Name] = ps[i].Shape()
		}
		// Row-parallel biases carry half the value on every rank.
		bias := ps[11].Data()
		for j, v := range full[11].Data() {
			if bias[j] != v/2 {
				t.Fatalf("rank %d out_bias[%d] = %v, want %v", rank, j, bias[j], v/2)
			}
		}
	}
	want := map[string][]int{
		"q_proj": {16, 32}, "q_bias": {16}, "out_proj": {32, 16}, "out_bias": {32},
		"fc1": {32, 32}, "fc2": {32, 32}, "attn_ln_gamma": {32},
	}
	for name, w := range want {
		if diff := cmp.Diff(w, shapes[name]); diff != "" {
			t.Fatalf("%s (-want +got):\n%s", name, diff)
		}
	}
	if _, err := f.LayerShard(0, 0, 3); !errors.Is(err, block.ErrParams) {
		t.Fatalf("2 heads over 3 ranks: %v", err)
	}
}

func TestStackFromFile(t *testing.T) {
	t.Parallel()
	c := testConfig(block.FamilyLlama, dtype.F32, dtype.F32)
	f, err := Open(writeSynthetic(t, c))
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	tun := config.Default()
	tun.Workers = 2
	x, err := kernels.NewExec(tun)
	if err != nil {
		t.Fatal(err)
	}
	defer x.Close()

	loaded, err := f.Stack(block.Options{Exec: x})
	if err != nil {
		t.Fatal(err)
	}
	layers := [][]*tensor.Tensor{block.Synthetic(c, 42), block.Synthetic(c, 43)}
	direct, err := block.NewStack(c, layers, block.Options{Exec: x})
	if err != nil {
		t.Fatal(err)
	}
	in := tensor.New(dtype.F32, 1, 3, c.Hidden)
	tensor.FillRand(in, 1, 1)
	a, _, err := loaded.Forward(context.Background(), block.Inputs{Hidden: in}, nil, false)
	if err != nil {
		t.Fatal(err)
	}
	b, _, err := direct.Forward(context.Background(), block.Inputs{Hidden: in}, nil, false)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(b.Data(), a.Data(), cmpopts.EquateApprox(0, 1e-6)); diff != "" {
		t.Fatalf("(-direct +loaded):\n%s", diff)
	}
}
