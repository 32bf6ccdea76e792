package layout

import (
	"errors"
	"fmt"

	"github.com/samcharles93/fusedllm/internal/dtype"
	"github.com/samcharles93/fusedllm/internal/tensor"
)

var ErrLayout = errors.New("layout: bad weight shape")

// firstTokenGroup is how many output blocks the prompt-pass regroup merges.
const firstTokenGroup = 4

// Weight is a linear layer weight packed for the blocked GEMM. Data is laid
// out [Nk][Nc][Hc/V][Hk][V]: output blocks, contraction blocks, then one
// Hc x Hk block in VNNI order. V == 1 is the plain [Hc][Hk] block.
type Weight struct {
	Nk, Nc, Hc, Hk, V int
	DType             dtype.DType
	Data              []float32
}

// Rank is 5 for VNNI-packed weights and 4 otherwise.
func (w *Weight) Rank() int {
	if w.V > 1 {
		return 5
	}
	return 4
}

func (w *Weight) Out() int { return w.Nk * w.Hk }
func (w *Weight) In() int  { return w.Nc * w.Hc }

// Block returns the packed Hc x Hk block (nk, nc) and everything after it.
func (w *Weight) Block(nk, nc int) []float32 {
	return w.Data[(nk*w.Nc+nc)*w.Hc*w.Hk:]
}

func (w *Weight) String() string {
	return fmt.Sprintf("Weight(%s, Nk=%d Nc=%d Hc=%d Hk=%d V=%d)", w.DType, w.Nk, w.Nc, w.Hc, w.Hk, w.V)
}

// BlockSize picks the largest power of two not above 64 that divides n.
func BlockSize(n int) int {
	for b := 64; b > 1; b /= 2 {
		if n%b == 0 {
			return b
		}
	}
	return 1
}

// FromLogical blocks a logical [K, C] (out x in) matrix into
// [K/hk, C/hc, hc, hk].
func FromLogical(w *tensor.Tensor, hc, hk int) (*tensor.Tensor, error) {
	if w.Rank() != 2 {
		return nil, fmt.Errorf("%w: want [out, in], got %v", ErrLayout, w.Shape())
	}
	K, C := w.Dim(0), w.Dim(1)
	if hc <= 0 || hk <= 0 || C%hc != 0 || K%hk != 0 {
		return nil, fmt.Errorf("%w: [%d, %d] not divisible by blocks %dx%d", ErrLayout, K, C, hc, hk)
	}
	nk, nc := K/hk, C/hc
	out := tensor.New(w.DType(), nk, nc, hc, hk)
	src, dst := w.Data(), out.Data()
	for k := 0; k < K; k++ {
		bk, ik := k/hk, k%hk
		row := src[k*C : (k+1)*C]
		for c, v := range row {
			bc, ic := c/hc, c%hc
			dst[((bk*nc+bc)*hc+ic)*hk+ik] = v
		}
	}
	return out, nil
}

// ForFwd packs a blocked [Nk, Nc, Hc, Hk] tensor for the GEMM, interleaving
// the contraction dimension by the dtype's VNNI factor. A rank-5 tensor
// [Nk, Nc, Hc/V, Hk, V] is taken as already packed.
func ForFwd(t *tensor.Tensor) (*Weight, error) {
	switch t.Rank() {
	case 5:
		v := t.Dim(4)
		return &Weight{
			Nk: t.Dim(0), Nc: t.Dim(1), Hc: t.Dim(2) * v, Hk: t.Dim(3), V: v,
			DType: t.DType(), Data: t.Data(),
		}, nil
	case 4:
	default:
		return nil, fmt.Errorf("%w: want rank 4 or 5, got %v", ErrLayout, t.Shape())
	}
	nk, nc, hc, hk := t.Dim(0), t.Dim(1), t.Dim(2), t.Dim(3)
	v := t.DType().VNNI()
	if hc%v != 0 {
		v = 1
	}
	w := &Weight{Nk: nk, Nc: nc, Hc: hc, Hk: hk, V: v, DType: t.DType()}
	if v == 1 {
		w.Data = t.Data()
		return w, nil
	}
	w.Data = make([]float32, len(t.Data()))
	src := t.Data()
	blk := hc * hk
	for b := 0; b < nk*nc; b++ {
		in := src[b*blk : (b+1)*blk]
		out := w.Data[b*blk : (b+1)*blk]
		for c := 0; c < hc; c++ {
			base := (c / v) * hk * v
			r := c % v
			for k := 0; k < hk; k++ {
				out[base+k*v+r] = in[c*hk+k]
			}
		}
	}
	return w, nil
}

// Pack blocks and packs a logical [out, in] matrix in one step.
func Pack(w *tensor.Tensor) (*Weight, error) {
	if w.Rank() != 2 {
		return nil, fmt.Errorf("%w: want [out, in], got %v", ErrLayout, w.Shape())
	}
	b, err := FromLogical(w, BlockSize(w.Dim(1)), BlockSize(w.Dim(0)))
	if err != nil {
		return nil, err
	}
	return ForFwd(b)
}

// FirstToken merges groups of four output blocks into one wider block,
// giving [Nk/4, Nc, Hc/V, 4*Hk, V]. Output feature order is unchanged. Weights
// that are not VNNI packed or whose Nk is not a multiple of four come back
// as they are.
func FirstToken(w *Weight) *Weight {
	if w.Rank() < 5 || w.Nk%firstTokenGroup != 0 {
		return w
	}
	g := firstTokenGroup
	out := &Weight{Nk: w.Nk / g, Nc: w.Nc, Hc: w.Hc, Hk: w.Hk * g, V: w.V, DType: w.DType}
	out.Data = make([]float32, len(w.Data))
	rows := w.Hc / w.V
	span := w.Hk * w.V
	for i := 0; i < out.Nk; i++ {
		for j := 0; j < w.Nc; j++ {
			dst := out.Block(i, j)
			for k := 0; k < g; k++ {
				src := w.Block(i*g+k, j)
				for r := 0; r < rows; r++ {
					copy(dst[r*g*span+k*span:r*g*span+(k+1)*span], src[r*span:(r+1)*span])
				}
			}
		}
	}
	return out
}

// Unblock recovers the logical [out, in] matrix of a packed weight.
func Unblock(w *Weight) *tensor.Tensor {
	K, C := w.Out(), w.In()
	out := tensor.New(w.DType, K, C)
	dst := out.Data()
	v := max(w.V, 1)
	for nk := 0; nk < w.Nk; nk++ {
		for nc := 0; nc < w.Nc; nc++ {
			blk := w.Block(nk, nc)
			for c := 0; c < w.Hc; c++ {
				for k := 0; k < w.Hk; k++ {
					dst[(nk*w.Hk+k)*C+nc*w.Hc+c] = blk[((c/v)*w.Hk+k)*v+c%v]
				}
			}
		}
	}
	return out
}
