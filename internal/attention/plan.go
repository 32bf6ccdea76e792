// Package attention implements scaled dot-product attention over
// [B, N, S, H] tensors: a key-tiled prefill with an online softmax, and a
// single-token decode that reads history from a beam-indexed KV store.
package attention

import (
	"errors"
	"fmt"

	"github.com/samcharles93/fusedllm/internal/tile"
)

var ErrShape = errors.New("attention: shape mismatch")

const (
	// QueryTile is the prefill query block.
	QueryTile = 64
	// WideKeyTile is the key block used when keys are transposed ahead of
	// the main loop.
	WideKeyTile = 1024

	queryAlign = 16
	keyAlign   = 64

	// causalMask is written over scores of future keys before scaling.
	causalMask = -1e9
	// padMask fills attention mask columns added by key padding.
	padMask = -10000
	// decodeStackLimit is the history length up to which decode keeps
	// its scores in per-item buffers.
	decodeStackLimit = 256
)

// Plan is the set of tile kernels for one (query block, key block) shape.
// A prefill call builds at most four, indexed [query remainder][key
// remainder], and reuses them for every tile of that shape.
type Plan struct {
	Sqb, SqbAligned int
	Skb, Pad        int
	H               int
	// VK and VV are the VNNI factors of the packed K^T and V operands.
	VK, VV int
	Mask2D bool

	qk tile.Brgemm
	pv tile.Brgemm
}

func alignUp(n, a int) int { return (n + a - 1) / a * a }

// NewPlan sizes the score and context GEMMs for a sqb x skb tile. A zero
// dimension gives an empty plan that must not be run.
func NewPlan(sqb, skb, h, pad, vk, vv int, mask2D bool) Plan {
	p := Plan{Sqb: sqb, Skb: skb, Pad: pad, H: h, VK: vk, VV: vv, Mask2D: mask2D}
	if sqb == 0 || skb == 0 {
		return p
	}
	p.SqbAligned = alignUp(sqb, queryAlign)
	// [SqbAligned, H] x [H, Skb] -> scores
	p.qk = tile.Brgemm{M: p.SqbAligned, N: skb, K: h, LDA: h, LDC: skb, VNNI: vk, Overwrite: true}
	// [SqbAligned, Skb] x [Skb, H] -> context
	p.pv = tile.Brgemm{M: p.SqbAligned, N: h, K: skb, LDA: skb, LDC: h, VNNI: vv, Overwrite: true}
	return p
}

func (p *Plan) empty() bool { return p.SqbAligned == 0 }

func (p *Plan) String() string {
	return fmt.Sprintf("Plan(q=%d/%d k=%d pad=%d h=%d vk=%d vv=%d 2d=%t)",
		p.Sqb, p.SqbAligned, p.Skb, p.Pad, p.H, p.VK, p.VV, p.Mask2D)
}

// Plans are the four tile shapes of one prefill call.
type Plans [2][2]Plan

// at returns the plan of the query tile at sq and key tile at sk.
func (ps *Plans) at(sq, sk int, g *geometry) *Plan {
	qid, kid := 0, 0
	if sq+QueryTile > g.sq {
		qid = 1
	}
	if sk+g.skb > g.sk {
		kid = 1
	}
	return &ps[qid][kid]
}
