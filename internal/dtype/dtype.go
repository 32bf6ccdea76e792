package dtype

import (
	"errors"
	"fmt"
	"strings"
)

// DType identifies the storage precision of a tensor. Arithmetic is always
// carried out in float32; the dtype decides how values are rounded when they
// are stored and how they are encoded on the wire.
type DType uint8

const (
	F32 DType = iota
	BF16
	F16
	BF8
)

var ErrUnsupported = errors.New("dtype: unsupported")

var names = [...]string{
	F32:  "f32",
	BF16: "bf16",
	F16:  "f16",
	BF8:  "bf8",
}

func (d DType) String() string {
	if int(d) < len(names) {
		return names[d]
	}
	return fmt.Sprintf("dtype(%d)", uint8(d))
}

// Parse maps a user-facing name to a DType. A handful of aliases used by
// common checkpoint formats are accepted.
func Parse(s string) (DType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "f32", "fp32", "float32", "float":
		return F32, nil
	case "bf16", "bfloat16":
		return BF16, nil
	case "f16", "fp16", "float16", "half":
		return F16, nil
	case "bf8", "bfloat8", "e5m2":
		return BF8, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrUnsupported, s)
}

// Size returns the encoded element size in bytes.
func (d DType) Size() int {
	switch d {
	case F32:
		return 4
	case BF16, F16:
		return 2
	case BF8:
		return 1
	}
	return 0
}

// VNNI returns how many consecutive contraction elements are interleaved
// when a matrix of this dtype is packed for the blocked GEMM.
func (d DType) VNNI() int {
	switch d {
	case BF16, F16:
		return 2
	case BF8:
		return 4
	}
	return 1
}

// Low reports whether the dtype is a 16-bit or narrower float.
func (d DType) Low() bool {
	return d != F32
}

// MarshalText implements encoding.TextMarshaler so dtypes read naturally in
// yaml and json documents.
func (d DType) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *DType) UnmarshalText(b []byte) error {
	v, err := Parse(string(b))
	if err != nil {
		return err
	}
	*d = v
	return nil
}
