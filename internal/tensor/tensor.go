package tensor

import (
	"fmt"
	"math/rand"
	"slices"

	"github.com/samcharles93/fusedllm/internal/dtype"
)

// Tensor is a dense, row-major, dtype-tagged array.
//
// Values are held as float32 regardless of the dtype tag, but every value a
// Tensor hands out has already been rounded to the tag's precision. Code that
// writes through Data directly must call Round before publishing the tensor.
type Tensor struct {
	shape []int
	dt    dtype.DType
	data  []float32
}

// New allocates a zeroed tensor.
func New(dt dtype.DType, shape ...int) *Tensor {
	n := 1
	for _, d := range shape {
		if d < 0 {
			panic("tensor: negative dimension")
		}
		n *= d
	}
	return &Tensor{shape: slices.Clone(shape), dt: dt, data: make([]float32, n)}
}

// FromSlice wraps data (rounded in place to dt) as a tensor of the given shape.
func FromSlice(dt dtype.DType, data []float32, shape ...int) (*Tensor, error) {
	if numel(shape) != len(data) {
		return nil, fmt.Errorf("%w: %d values for shape %v", ErrShape, len(data), shape)
	}
	dt.RoundSlice(data)
	return &Tensor{shape: slices.Clone(shape), dt: dt, data: data}, nil
}

// FromBytes decodes a little-endian encoded buffer.
func FromBytes(dt dtype.DType, raw []byte, shape ...int) (*Tensor, error) {
	t := New(dt, shape...)
	if err := dt.Decode(t.data, raw); err != nil {
		return nil, err
	}
	return t, nil
}

// Must panics if err is non-nil. Intended for literals in tests and tools.
func Must(t *Tensor, err error) *Tensor {
	if err != nil {
		panic(err)
	}
	return t
}

func numel(shape []int) int {
	n := 1
	for _, d := range shape {
		if d < 0 {
			return -1
		}
		n *= d
	}
	return n
}

func (t *Tensor) DType() dtype.DType { return t.dt }
func (t *Tensor) Rank() int          { return len(t.shape) }
func (t *Tensor) Len() int           { return len(t.data) }
func (t *Tensor) Shape() []int       { return slices.Clone(t.shape) }

// Data exposes the backing values.
func (t *Tensor) Data() []float32 { return t.data }

// Dim returns the size of dimension i; negative i counts from the end.
func (t *Tensor) Dim(i int) int {
	if i < 0 {
		i += len(t.shape)
	}
	return t.shape[i]
}

// Empty reports whether t is nil or holds no elements.
func (t *Tensor) Empty() bool {
	return t == nil || len(t.data) == 0
}

// Round re-applies dtype rounding after direct writes through Data.
func (t *Tensor) Round() *Tensor {
	t.dt.RoundSlice(t.data)
	return t
}

// Reshape returns a view sharing storage with t. One dimension may be -1.
func (t *Tensor) Reshape(shape ...int) (*Tensor, error) {
	shape = slices.Clone(shape)
	infer := -1
	known := 1
	for i, d := range shape {
		switch {
		case d == -1 && infer < 0:
			infer = i
		case d < 0:
			return nil, fmt.Errorf("%w: reshape %v", ErrShape, shape)
		default:
			known *= d
		}
	}
	if infer >= 0 {
		if known == 0 || len(t.data)%known != 0 {
			return nil, fmt.Errorf("%w: cannot infer %v from %d values", ErrShape, shape, len(t.data))
		}
		shape[infer] = len(t.data) / known
		known *= shape[infer]
	}
	if known != len(t.data) {
		return nil, fmt.Errorf("%w: reshape %v to %v", ErrShape, t.shape, shape)
	}
	return &Tensor{shape: shape, dt: t.dt, data: t.data}, nil
}

// View is Reshape for shapes the caller has already validated.
func (t *Tensor) View(shape ...int) *Tensor {
	v, err := t.Reshape(shape...)
	if err != nil {
		panic(err)
	}
	return v
}

func (t *Tensor) Clone() *Tensor {
	return &Tensor{shape: slices.Clone(t.shape), dt: t.dt, data: slices.Clone(t.data)}
}

// Bytes returns the little-endian encoding of the tensor values.
func (t *Tensor) Bytes() []byte {
	return t.dt.Encode(make([]byte, 0, len(t.data)*t.dt.Size()), t.data)
}

// SameShape reports whether a and b have identical shapes.
func SameShape(a, b *Tensor) bool {
	return slices.Equal(a.shape, b.shape)
}

func (t *Tensor) String() string {
	return fmt.Sprintf("Tensor(%s, %v)", t.dt, t.shape)
}

// FillRand fills t with reproducible values in (-scale, scale).
func FillRand(t *Tensor, seed int64, scale float32) {
	rng := rand.New(rand.NewSource(seed))
	for i := range t.data {
		t.data[i] = (rng.Float32()*2 - 1) * scale
	}
	t.Round()
}
