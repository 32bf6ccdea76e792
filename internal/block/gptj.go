package block

import (
	"context"
	"fmt"

	"github.com/samcharles93/fusedllm/internal/kernels"
	"github.com/samcharles93/fusedllm/internal/kvcache"
	"github.com/samcharles93/fusedllm/internal/layout"
	"github.com/samcharles93/fusedllm/internal/tensor"
)

// GPTJ is a parallel-residual block: attention and the MLP both read the
// same normalised input and their outputs are summed with the residual in
// a single fused projection.
type GPTJ struct {
	core
	eps float32

	gamma, beta    *tensor.Tensor
	wq, wk, wv, wp *layout.Weight
	wi, wo         *layout.Weight
	bi, bo         *tensor.Tensor
	table          *tensor.Tensor
}

// NewGPTJ takes ln_gamma, ln_beta, q, k, v, out_proj, fc_in, fc_in_bias,
// fc_out, fc_out_bias and embed_positions. A nil table is built from
// maxPos and rotaryDim.
func NewGPTJ(ps []*tensor.Tensor, eps float32, headDim, maxPos, rotaryDim int, opts Options) (*GPTJ, error) {
	p := &params{name: "gptj", ps: ps}
	b := &GPTJ{eps: eps}
	b.gamma = p.required("ln_gamma")
	b.beta = p.required("ln_beta")
	b.wq = p.linear("q_proj")
	b.wk = p.linear("k_proj")
	b.wv = p.linear("v_proj")
	b.wp = p.linear("out_proj")
	b.wi = p.linear("fc_in")
	b.bi = p.next()
	b.wo = p.linear("fc_out")
	b.bo = p.next()
	b.table = p.next()
	if err := p.done(); err != nil {
		return nil, err
	}
	var err error
	if b.core, err = newCore("gptj", b.wq, b.gamma, headDim, opts); err != nil {
		return nil, err
	}
	b.table = rotaryTable(b.table, kernels.SinusoidalTableGPTJ, maxPos, rotaryDim)
	if b.table.Rank() != 2 || b.table.Dim(1) > headDim {
		return nil, fmt.Errorf("%w: gptj: embed_positions %v for head dim %d", ErrParams, b.table.Shape(), headDim)
	}
	return b, nil
}

func (b *GPTJ) Forward(ctx context.Context, in Inputs, cache *kvcache.Cache, useCache bool) (Outputs, error) {
	pass, err := b.check(in)
	if err != nil {
		return Outputs{}, err
	}
	x := b.x
	pos := b.positions(in, cache)
	res := in.Hidden

	h, err := x.LayerNorm(res, b.gamma, b.beta, b.eps)
	if err != nil {
		return Outputs{}, err
	}
	q, err := x.QKVGemm(pass, h, b.wq, nil)
	if err != nil {
		return Outputs{}, err
	}
	if err := x.RotaryGPTJ(q, b.table, pos, b.heads, b.hd); err != nil {
		return Outputs{}, err
	}
	k, err := x.QKVGemm(pass, h, b.wk, nil)
	if err != nil {
		return Outputs{}, err
	}
	if err := x.RotaryGPTJ(k, b.table, pos, b.heads, b.hd); err != nil {
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
	so, err := x.QKVGemm(pass, cl, b.wp, nil)
	if err != nil {
		return Outputs{}, err
	}
	inter, err := x.FCGelu(pass, h, b.wi, b.bi)
	if err != nil {
		return Outputs{}, err
	}
	out, err := x.FCAdd2Scale(pass, inter, so, res, b.wo, b.bo, b.scale)
	if err != nil {
		return Outputs{}, err
	}
	if err := b.reduce(ctx, out); err != nil {
		return Outputs{}, err
	}
	return b.outputs(out, next, useCache), nil
}
