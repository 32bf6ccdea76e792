// Package kernels holds the fused transformer operators built on the tile
// primitives: the blocked linear family, layer and RMS norms, and rotary
// position embedding.
package kernels

import (
	"errors"
	"fmt"

	"github.com/samcharles93/fusedllm/internal/config"
	"github.com/samcharles93/fusedllm/internal/parallel"
	"github.com/samcharles93/fusedllm/internal/tensor"
)

var ErrShape = errors.New("kernels: shape mismatch")

// Exec bundles the tuning and worker pool every operator runs with.
type Exec struct {
	Tuning config.Tuning
	Pool   *parallel.Pool
}

// NewExec validates t and starts a pool sized by t.Workers.
func NewExec(t config.Tuning) (*Exec, error) {
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return &Exec{Tuning: t, Pool: parallel.New(t.Workers)}, nil
}

// Close releases the worker pool.
func (e *Exec) Close() {
	if e.Pool != nil {
		e.Pool.Close()
	}
}

func shapeErr(op string, format string, args ...any) error {
	return fmt.Errorf("%w: %s: %s", ErrShape, op, fmt.Sprintf(format, args...))
}

// rows3 checks that t is [B, S, F] and returns B*S.
func rows3(op, name string, t *tensor.Tensor) (int, error) {
	if t == nil || t.Rank() != 3 {
		return 0, shapeErr(op, "%s must be [B, S, F], got %v", name, shapeOf(t))
	}
	return t.Dim(0) * t.Dim(1), nil
}

func shapeOf(t *tensor.Tensor) []int {
	if t == nil {
		return nil
	}
	return t.Shape()
}
