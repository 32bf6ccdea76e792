package tensor

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/samcharles93/fusedllm/internal/dtype"
)

func iota32(n int) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = float32(i)
	}
	return out
}

func TestFromSliceRounds(t *testing.T) {
	t.Parallel()
	x, err := FromSlice(dtype.BF16, []float32{1.00390625, 2}, 2)
	if err != nil {
		t.Fatal(err)
	}
	if x.Data()[0] != 1 {
		t.Fatalf("expected bf16 rounding, got %v", x.Data()[0])
	}
	if _, err := FromSlice(dtype.F32, []float32{1, 2, 3}, 2, 2); !errors.Is(err, ErrShape) {
		t.Fatalf("expected ErrShape, got %v", err)
	}
}

func TestReshapeInfer(t *testing.T) {
	t.Parallel()
	x := New(dtype.F32, 2, 3, 4)
	v, err := x.Reshape(6, -1)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]int{6, 4}, v.Shape()); diff != "" {
		t.Fatalf("shape mismatch (-want +got):\n%s", diff)
	}
	v.Data()[5] = 7
	if x.Data()[5] != 7 {
		t.Fatal("reshape must share storage")
	}
	if _, err := x.Reshape(5, -1); !errors.Is(err, ErrShape) {
		t.Fatalf("expected ErrShape, got %v", err)
	}
}

func TestPermute0213(t *testing.T) {
	t.Parallel()
	x := Must(FromSlice(dtype.F32, iota32(2*3*4*5), 2, 3, 4, 5))
	y := x.Permute0213()
	if diff := cmp.Diff([]int{2, 4, 3, 5}, y.Shape()); diff != "" {
		t.Fatalf("shape (-want +got):\n%s", diff)
	}
	for b := 0; b < 2; b++ {
		for s := 0; s < 3; s++ {
			for n := 0; n < 4; n++ {
				for h := 0; h < 5; h++ {
					want := x.Data()[((b*3+s)*4+n)*5+h]
					got := y.Data()[((b*4+n)*3+s)*5+h]
					if got != want {
						t.Fatalf("[%d %d %d %d]: got %v want %v", b, s, n, h, got, want)
					}
				}
			}
		}
	}
	if diff := cmp.Diff(x.Data(), y.Permute0213().Data()); diff != "" {
		t.Fatalf("double permute (-want +got):\n%s", diff)
	}
}

func TestNarrowAndConcat(t *testing.T) {
	t.Parallel()
	x := Must(FromSlice(dtype.F32, iota32(2*6), 2, 6))
	parts, err := x.SplitLast([]int{2, 4})
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]float32{0, 1, 6, 7}, parts[0].Data()); diff != "" {
		t.Fatalf("first split (-want +got):\n%s", diff)
	}
	back, err := ConcatLast(parts)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(x.Data(), back.Data()); diff != "" {
		t.Fatalf("concat (-want +got):\n%s", diff)
	}
	if _, err := x.SplitLast([]int{1, 1}); !errors.Is(err, ErrShape) {
		t.Fatalf("expected ErrShape, got %v", err)
	}
}

func TestConcatDim2(t *testing.T) {
	t.Parallel()
	a := Must(FromSlice(dtype.F32, iota32(1*2*2*3), 1, 2, 2, 3))
	b := Must(FromSlice(dtype.F32, []float32{100, 101, 102, 200, 201, 202}, 1, 2, 1, 3))
	c, err := ConcatDim2(a, b)
	if err != nil {
		t.Fatal(err)
	}
	want := []float32{0, 1, 2, 3, 4, 5, 100, 101, 102, 6, 7, 8, 9, 10, 11, 200, 201, 202}
	if diff := cmp.Diff(want, c.Data()); diff != "" {
		t.Fatalf("concat (-want +got):\n%s", diff)
	}
	prefix, err := c.Narrow(2, 0, 2)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(a.Data(), prefix.Data()); diff != "" {
		t.Fatalf("narrow (-want +got):\n%s", diff)
	}
}

func TestBytesRoundTrip(t *testing.T) {
	t.Parallel()
	x := New(dtype.BF16, 3, 5)
	FillRand(x, 7, 2)
	y, err := FromBytes(dtype.BF16, x.Bytes(), 3, 5)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(x.Data(), y.Data()); diff != "" {
		t.Fatalf("bytes (-want +got):\n%s", diff)
	}
}
