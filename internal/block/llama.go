package block

import (
	"context"
	"fmt"

	"github.com/samcharles93/fusedllm/internal/kernels"
	"github.com/samcharles93/fusedllm/internal/kvcache"
	"github.com/samcharles93/fusedllm/internal/layout"
	"github.com/samcharles93/fusedllm/internal/tensor"
)

// Llama is a pre-norm block with RMS norms, bias-free projections and a
// gated SiLU MLP.
type Llama struct {
	core
	eps float32

	input, post    *tensor.Tensor
	wq, wk, wv, wp *layout.Weight
	wg, wu, wd     *layout.Weight
	table          *tensor.Tensor
}

// NewLlama takes the input norm gamma, q, k, v, out projections, the post
// attention norm gamma, gate, up and down projections and the [2, maxPos,
// rotaryDim] cos/sin table. A nil table is built from maxPos and
// rotaryDim.
func NewLlama(ps []*tensor.Tensor, eps float32, headDim, maxPos, rotaryDim int, opts Options) (*Llama, error) {
	p := &params{name: "llama", ps: ps}
	b := &Llama{eps: eps}
	b.input = p.required("input_ln_gamma")
	b.wq = p.linear("q_proj")
	b.wk = p.linear("k_proj")
	b.wv = p.linear("v_proj")
	b.wp = p.linear("out_proj")
	b.post = p.required("post_attention_ln_gamma")
	b.wg = p.linear("gate_proj")
	b.wu = p.linear("up_proj")
	b.wd = p.linear("down_proj")
	b.table = p.next()
	if err := p.done(); err != nil {
		return nil, err
	}
	var err error
	if b.core, err = newCore("llama", b.wq, b.input, headDim, opts); err != nil {
		return nil, err
	}
	b.table = rotaryTable(b.table, kernels.RopeTableLlama, maxPos, rotaryDim)
	if b.table.Rank() != 3 || b.table.Dim(2) > headDim {
		return nil, fmt.Errorf("%w: llama: rope table %v for head dim %d", ErrParams, b.table.Shape(), headDim)
	}
	return b, nil
}

func (b *Llama) Forward(ctx context.Context, in Inputs, cache *kvcache.Cache, useCache bool) (Outputs, error) {
	pass, err := b.check(in)
	if err != nil {
		return Outputs{}, err
	}
	x := b.x
	pos := b.positions(in, cache)
	res := in.Hidden

	h, err := x.RMSNorm(res, b.input, b.eps)
	if err != nil {
		return Outputs{}, err
	}
	q, err := x.QKVGemm(pass, h, b.wq, nil)
	if err != nil {
		return Outputs{}, err
	}
	if err := x.RotaryLlama(q, b.table, pos, b.heads, b.hd); err != nil {
		return Outputs{}, err
	}
	k, err := x.QKVGemm(pass, h, b.wk, nil)
	if err != nil {
		return Outputs{}, err
	}
	if err := x.RotaryLlama(k, b.table, pos, b.heads, b.hd); err != nil {
		return Outputs{}, err
	}
	v, err := x.QKVGemm(pass, h, b.wv, nil)
	if err != nil {
		return Outputs{}, err
	}
	cl, next, err := b.attend(q, k, v, in.Mask, cache)
	if err != nil {
		return Outputs{}, err
	}

	so, err := x.FCAddScale(pass, cl, res, b.wp, nil, b.scale)
	if err != nil {
		return Outputs{}, err
	}
	if err := b.reduce(ctx, so); err != nil {
		return Outputs{}, err
	}
	res = so

	if h, err = x.RMSNorm(so, b.post, b.eps); err != nil {
		return Outputs{}, err
	}
	gate, err := x.FCSilu(pass, h, b.wg, nil)
	if err != nil {
		return Outputs{}, err
	}
	up, err := x.FCMul(pass, h, gate, b.wu, nil)
	if err != nil {
		return Outputs{}, err
	}
	out, err := x.FCAddScale(pass, up, res, b.wd, nil, b.scale)
	if err != nil {
		return Outputs{}, err
	}
	if err := b.reduce(ctx, out); err != nil {
		return Outputs{}, err
	}
	return b.outputs(out, next, useCache), nil
}
