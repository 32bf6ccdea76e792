package block

import (
	"context"

	"github.com/samcharles93/fusedllm/internal/kvcache"
	"github.com/samcharles93/fusedllm/internal/layout"
	"github.com/samcharles93/fusedllm/internal/tensor"
)

// OPT is a sequential block with biased projections, ReLU MLP and layer
// norms either before each sublayer or after it.
type OPT struct {
	core
	eps1, eps2 float32
	before     bool

	g1, b1, g2, b2 *tensor.Tensor
	wq, wk, wv, wp *layout.Weight
	bq, bk, bv, bp *tensor.Tensor
	wi, wo         *layout.Weight
	bi, bo         *tensor.Tensor
}

// NewOPT takes the attention and final layer norm gammas and betas, then
// q, k, v and out projections each followed by its bias, then fc1, fc1
// bias, fc2 and fc2 bias.
func NewOPT(ps []*tensor.Tensor, eps1, eps2 float32, headDim int, layerNormBefore bool, opts Options) (*OPT, error) {
	p := &params{name: "opt", ps: ps}
	b := &OPT{eps1: eps1, eps2: eps2, before: layerNormBefore}
	b.g1 = p.required("attn_ln_gamma")
	b.b1 = p.next()
	b.g2 = p.required("final_ln_gamma")
	b.b2 = p.next()
	b.wq, b.bq = p.linear("q_proj"), p.next()
	b.wk, b.bk = p.linear("k_proj"), p.next()
	b.wv, b.bv = p.linear("v_proj"), p.next()
	b.wp, b.bp = p.linear("out_proj"), p.next()
	b.wi, b.bi = p.linear("fc1"), p.next()
	b.wo, b.bo = p.linear("fc2"), p.next()
	if err := p.done(); err != nil {
		return nil, err
	}
	if b.eps2 == 0 {
		b.eps2 = b.eps1
	}
	var err error
	if b.core, err = newCore("opt", b.wq, b.g1, headDim, opts); err != nil {
		return nil, err
	}
	return b, nil
}

func (b *OPT) Forward(ctx context.Context, in Inputs, cache *kvcache.Cache, useCache bool) (Outputs, error) {
	pass, err := b.check(in)
	if err != nil {
		return Outputs{}, err
	}
	x := b.x
	res := in.Hidden
	h := res
	if b.before {
		if h, err = x.LayerNorm(h, b.g1, b.b1, b.eps1); err != nil {
			return Outputs{}, err
		}
	}
	q, err := x.QKVGemm(pass, h, b.wq, b.bq)
	if err != nil {
		return Outputs{}, err
	}
	k, err := x.QKVGemm(pass, h, b.wk, b.bk)
	if err != nil {
		return Outputs{}, err
	}
	v, err := x.QKVGemm(pass, h, b.wv, b.bv)
	if err != nil {
		return Outputs{}, err
	}
	cl, next, err := b.attend(q, k, v, in.Mask, cache)
	if err != nil {
		return Outputs{}, err
	}

	if h, err = x.FCAddScale(pass, cl, res, b.wp, b.bp, b.scale); err != nil {
		return Outputs{}, err
	}
	if err := b.reduce(ctx, h); err != nil {
		return Outputs{}, err
	}
	if !b.before {
		if h, err = x.LayerNorm(h, b.g1, b.b1, b.eps1); err != nil {
			return Outputs{}, err
		}
	}

	res = h
	if b.before {
		if h, err = x.LayerNorm(h, b.g2, b.b2, b.eps2); err != nil {
			return Outputs{}, err
		}
	}
	if h, err = x.FCRelu(pass, h, b.wi, b.bi); err != nil {
		return Outputs{}, err
	}
	if h, err = x.FCAddScale(pass, h, res, b.wo, b.bo, b.scale); err != nil {
		return Outputs{}, err
	}
	if err := b.reduce(ctx, h); err != nil {
		return Outputs{}, err
	}
	if !b.before {
		if h, err = x.LayerNorm(h, b.g2, b.b2, b.eps2); err != nil {
			return Outputs{}, err
		}
	}
	return b.outputs(h, next, useCache), nil
}
