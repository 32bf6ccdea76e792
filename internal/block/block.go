// Package block assembles the kernels into fused transformer decoder layers
// for the GPT-J, OPT and LLaMA families, each optionally tensor-parallel
// across a process group.
package block

import (
	"context"
	"errors"
	"fmt"

	"github.com/samcharles93/fusedllm/internal/collective"
	"github.com/samcharles93/fusedllm/internal/config"
	"github.com/samcharles93/fusedllm/internal/dtype"
	"github.com/samcharles93/fusedllm/internal/kernels"
	"github.com/samcharles93/fusedllm/internal/kvcache"
	"github.com/samcharles93/fusedllm/internal/layout"
	"github.com/samcharles93/fusedllm/internal/logger"
	"github.com/samcharles93/fusedllm/internal/tensor"
)

var ErrParams = errors.New("block: bad parameters")

// Options carries what every block shares with its neighbours.
type Options struct {
	Exec *kernels.Exec
	// Group is the tensor-parallel group; nil runs on a single rank.
	Group *collective.ProcessGroup
	Log   logger.Logger
}

// Inputs to one forward call. Hidden is [B, S, F]. Mask is an additive
// attention mask and may be nil. Positions holds one rotary position per
// token (len S, or B*S for per-row positions); nil continues from the
// cached length.
type Inputs struct {
	Hidden    *tensor.Tensor
	Mask      *tensor.Tensor
	Positions []int
}

// Outputs of one forward call. Cache is set only when the call asked for
// it.
type Outputs struct {
	Hidden *tensor.Tensor
	Cache  *kvcache.Cache
}

// Block is one decoder layer.
type Block interface {
	Forward(ctx context.Context, in Inputs, cache *kvcache.Cache, useCache bool) (Outputs, error)
	Name() string
	// Heads is the number of attention heads this rank holds.
	Heads() int
}

// New builds the block of c.Family from its ordered parameter list.
func New(c Config, params []*tensor.Tensor, opts Options) (Block, error) {
	var (
		b   Block
		err error
	)
	switch c.Family {
	case FamilyGPTJ:
		b, err = NewGPTJ(params, c.Eps, c.HeadDim, c.MaxPositions, c.RotaryDim, opts)
	case FamilyOPT:
		b, err = NewOPT(params, c.Eps, c.Eps2, c.HeadDim, c.LayerNormBefore, opts)
	case FamilyLlama:
		b, err = NewLlama(params, c.Eps, c.HeadDim, c.MaxPositions, c.RotaryDim, opts)
	default:
		return nil, fmt.Errorf("%w: unknown family %q", ErrConfig, c.Family)
	}
	if err != nil {
		return nil, err
	}
	return b, nil
}

// params walks a layer's parameter list in order.
type params struct {
	name string
	ps   []*tensor.Tensor
	i    int
	err  error
}

func (p *params) fail(format string, args ...any) {
	if p.err == nil {
		p.err = fmt.Errorf("%w: %s: %s", ErrParams, p.name, fmt.Sprintf(format, args...))
	}
}

// next returns the next tensor; nil entries are allowed for optional ones.
func (p *params) next() *tensor.Tensor {
	if p.i >= len(p.ps) {
		p.fail("want more than %d parameters", len(p.ps))
		return nil
	}
	t := p.ps[p.i]
	p.i++
	return t
}

func (p *params) required(what string) *tensor.Tensor {
	t := p.next()
	if t == nil && p.err == nil {
		p.fail("%s (#%d) is missing", what, p.i-1)
	}
	return t
}

// linear accepts a logical [out, in] matrix or a blocked rank 4/5 weight.
func (p *params) linear(what string) *layout.Weight {
	t := p.required(what)
	if t == nil {
		return nil
	}
	var (
		w   *layout.Weight
		err error
	)
	switch t.Rank() {
	case 2:
		w, err = layout.Pack(t)
	case 4, 5:
		w, err = layout.ForFwd(t)
	default:
		p.fail("%s has shape %v", what, t.Shape())
		return nil
	}
	if err != nil {
		p.fail("%s: %v", what, err)
	}
	return w
}

func (p *params) done() error {
	if p.err == nil && p.i != len(p.ps) {
		p.fail("got %d parameters, used %d", len(p.ps), p.i)
	}
	return p.err
}

// core is the state every family shares.
type core struct {
	name   string
	x      *kernels.Exec
	kv     *kvcache.Manager
	group  *collective.ProcessGroup
	log    logger.Logger
	pair   dtype.Pair
	heads  int
	hd     int
	hidden int
	scale  float32
}

func newCore(name string, wq *layout.Weight, gamma *tensor.Tensor, headDim int, opts Options) (core, error) {
	if opts.Exec == nil {
		return core{}, fmt.Errorf("%w: %s: no executor", ErrParams, name)
	}
	if wq == nil || gamma == nil {
		return core{}, fmt.Errorf("%w: %s: missing query weight or gamma", ErrParams, name)
	}
	pair := dtype.Pair{Act: wq.DType, Param: gamma.DType()}
	if err := dtype.CheckPair(pair); err != nil {
		return core{}, fmt.Errorf("%s: %w", name, err)
	}
	if headDim < 1 || wq.Out()%headDim != 0 {
		return core{}, fmt.Errorf("%w: %s: %d query features for head dim %d", ErrParams, name, wq.Out(), headDim)
	}
	c := core{
		name:   name,
		x:      opts.Exec,
		group:  opts.Group,
		log:    logger.OrNop(opts.Log),
		pair:   pair,
		heads:  wq.Out() / headDim,
		hd:     headDim,
		hidden: wq.In(),
		scale:  1,
	}
	c.kv = &kvcache.Manager{Exec: c.x, Log: c.log}
	world, rank := 1, 0
	if c.group != nil {
		world, rank = c.group.Size(), c.group.Rank()
		c.scale = 1 / float32(world)
	}
	c.log = c.log.With("block", name, "rank", rank)
	if rank == 0 {
		c.log.Info("decoder block ready", "world_size", world, "heads", c.heads, "head_dim", headDim, "pair", pair.String())
	}
	return c, nil
}

func (c *core) Name() string { return c.name }
func (c *core) Heads() int   { return c.heads }

// check validates the hidden state and returns the pass for its row count.
func (c *core) check(in Inputs) (config.Pass, error) {
	h := in.Hidden
	if h == nil || h.Rank() != 3 || h.Dim(2) != c.hidden {
		var s []int
		if h != nil {
			s = h.Shape()
		}
		return config.Pass{}, fmt.Errorf("%w: %s: hidden %v, want [B, S, %d]", kernels.ErrShape, c.name, s, c.hidden)
	}
	if h.DType() != c.pair.Act {
		return config.Pass{}, fmt.Errorf("%w: %s: hidden is %s, block runs %s", dtype.ErrUnsupported, c.name, h.DType(), c.pair)
	}
	return config.PassFor(h.Dim(0) * h.Dim(1)), nil
}

// positions resolves rotary positions, continuing from the cache when the
// caller gave none.
func (c *core) positions(in Inputs, cache *kvcache.Cache) []int {
	if in.Positions != nil {
		return in.Positions
	}
	start := cache.SeqLen()
	pos := make([]int, in.Hidden.Dim(1))
	for i := range pos {
		pos[i] = start + i
	}
	return pos
}

// attend runs attention over [B, S, N*H] projections and returns the
// context in the same layout.
func (c *core) attend(q, k, v, mask *tensor.Tensor, cache *kvcache.Cache) (*tensor.Tensor, *kvcache.Cache, error) {
	B, S := q.Dim(0), q.Dim(1)
	heads := func(t *tensor.Tensor) *tensor.Tensor {
		return t.View(B, S, c.heads, c.hd).Permute0213()
	}
	out, next, err := c.kv.Attend(heads(q), heads(k), heads(v), mask, cache)
	if err != nil {
		return nil, nil, fmt.Errorf("%s: %w", c.name, err)
	}
	return out.Permute0213().View(B, S, c.heads*c.hd), next, nil
}

// reduce sums a row-parallel partial result across the group.
func (c *core) reduce(ctx context.Context, t *tensor.Tensor) error {
	if err := collective.AllReduceSum(ctx, c.group, t); err != nil {
		return fmt.Errorf("%s: all_reduce: %w", c.name, err)
	}
	return nil
}

func (c *core) outputs(h *tensor.Tensor, next *kvcache.Cache, useCache bool) Outputs {
	if !useCache {
		next = nil
	}
	return Outputs{Hidden: h, Cache: next}
}

// rotaryTable returns the caller's table or builds the default one.
func rotaryTable(t *tensor.Tensor, build func(maxPos, dim int, base float64) *tensor.Tensor, maxPos, rotaryDim int) *tensor.Tensor {
	if t != nil {
		return t
	}
	return build(maxPos, rotaryDim, kernels.DefaultRopeBase)
}
