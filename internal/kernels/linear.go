package kernels

import (
	"github.com/samcharles93/fusedllm/internal/config"
	"github.com/samcharles93/fusedllm/internal/dtype"
	"github.com/samcharles93/fusedllm/internal/layout"
	"github.com/samcharles93/fusedllm/internal/parallel"
	"github.com/samcharles93/fusedllm/internal/tensor"
	"github.com/samcharles93/fusedllm/internal/tile"
)

type epilogueKind uint8

const (
	epNone epilogueKind = iota
	epGelu
	epSilu
	epRelu
	epMul
	epAddScale
	epAdd2Scale
)

var epilogueNames = [...]string{"fc_plain", "fc_gelu", "fc_silu", "fc_relu", "fc_mul", "fc_add_scale", "fc_add2_scale"}

// epilogue runs once per output tile after its last contraction step.
type epilogue struct {
	kind     epilogueKind
	in1, in2 *tensor.Tensor
	scale    float32
}

// linearCall describes one fused linear invocation.
type linearCall struct {
	op         string
	in         *tensor.Tensor
	w          *layout.Weight
	bias       *tensor.Tensor
	ep         epilogue
	out        dtype.DType
	firstToken bool
}

// FCPlain computes in·Wᵀ + bias.
func (e *Exec) FCPlain(p config.Pass, in *tensor.Tensor, w *layout.Weight, bias *tensor.Tensor) (*tensor.Tensor, error) {
	return e.linear(p, linearCall{in: in, w: w, bias: bias, out: w.DType})
}

// QKVGemm is FCPlain with the prompt-pass weight regroup and an optional
// output dtype (zero value keeps the weight dtype).
func (e *Exec) QKVGemm(p config.Pass, in *tensor.Tensor, w *layout.Weight, bias *tensor.Tensor, out ...dtype.DType) (*tensor.Tensor, error) {
	od := w.DType
	if len(out) > 0 {
		od = out[0]
	}
	return e.linear(p, linearCall{op: "qkv_gemm", in: in, w: w, bias: bias, out: od, firstToken: true})
}

func (e *Exec) FCGelu(p config.Pass, in *tensor.Tensor, w *layout.Weight, bias *tensor.Tensor) (*tensor.Tensor, error) {
	return e.linear(p, linearCall{in: in, w: w, bias: bias, ep: epilogue{kind: epGelu}, out: w.DType, firstToken: true})
}

func (e *Exec) FCSilu(p config.Pass, in *tensor.Tensor, w *layout.Weight, bias *tensor.Tensor) (*tensor.Tensor, error) {
	return e.linear(p, linearCall{in: in, w: w, bias: bias, ep: epilogue{kind: epSilu}, out: w.DType, firstToken: true})
}

func (e *Exec) FCRelu(p config.Pass, in *tensor.Tensor, w *layout.Weight, bias *tensor.Tensor) (*tensor.Tensor, error) {
	return e.linear(p, linearCall{in: in, w: w, bias: bias, ep: epilogue{kind: epRelu}, out: w.DType, firstToken: true})
}

// FCMul computes (in·Wᵀ + bias) * in1.
func (e *Exec) FCMul(p config.Pass, in, in1 *tensor.Tensor, w *layout.Weight, bias *tensor.Tensor) (*tensor.Tensor, error) {
	return e.linear(p, linearCall{in: in, w: w, bias: bias, ep: epilogue{kind: epMul, in1: in1}, out: w.DType, firstToken: true})
}

// FCAddScale computes in·Wᵀ + bias + scale*in1.
func (e *Exec) FCAddScale(p config.Pass, in, in1 *tensor.Tensor, w *layout.Weight, bias *tensor.Tensor, scale float32) (*tensor.Tensor, error) {
	return e.linear(p, linearCall{in: in, w: w, bias: bias, ep: epilogue{kind: epAddScale, in1: in1, scale: scale}, out: w.DType, firstToken: true})
}

// FCAdd2Scale computes in·Wᵀ + bias + in1 + scale*in2.
func (e *Exec) FCAdd2Scale(p config.Pass, in, in1, in2 *tensor.Tensor, w *layout.Weight, bias *tensor.Tensor, scale float32) (*tensor.Tensor, error) {
	return e.linear(p, linearCall{in: in, w: w, bias: bias, ep: epilogue{kind: epAdd2Scale, in1: in1, in2: in2, scale: scale}, out: w.DType, firstToken: true})
}

func (e *Exec) linear(p config.Pass, c linearCall) (*tensor.Tensor, error) {
	if c.op == "" {
		c.op = epilogueNames[c.ep.kind]
	}
	if c.w == nil {
		return nil, shapeErr(c.op, "missing weight")
	}
	if err := dtype.CheckKernel(c.w.DType); err != nil {
		return nil, err
	}
	BS, err := rows3(c.op, "input", c.in)
	if err != nil {
		return nil, err
	}
	B, S, C := c.in.Dim(0), c.in.Dim(1), c.in.Dim(2)
	if c.in.DType() != c.w.DType {
		return nil, shapeErr(c.op, "input dtype %s does not match weight dtype %s", c.in.DType(), c.w.DType)
	}
	if C != c.w.In() {
		return nil, shapeErr(c.op, "input features %d, weight expects %d", C, c.w.In())
	}
	w := c.w
	if c.firstToken && BS > e.Tuning.FirstTokenThreshold {
		w = layout.FirstToken(w)
	}
	K := w.Out()
	if !c.bias.Empty() && c.bias.Len() != K {
		return nil, shapeErr(c.op, "bias has %d values for %d outputs", c.bias.Len(), K)
	}
	for _, side := range []*tensor.Tensor{c.ep.in1, c.ep.in2} {
		if side == nil {
			continue
		}
		if side.Rank() != 3 || side.Dim(0) != B || side.Dim(1) != S || side.Dim(2) != K {
			return nil, shapeErr(c.op, "side input %v, want [%d %d %d]", side.Shape(), B, S, K)
		}
	}
	if (c.ep.kind == epMul || c.ep.kind == epAddScale || c.ep.kind == epAdd2Scale) && c.ep.in1 == nil {
		return nil, shapeErr(c.op, "missing side input")
	}
	if c.ep.kind == epAdd2Scale && c.ep.in2 == nil {
		return nil, shapeErr(c.op, "missing second side input")
	}

	out := tensor.New(c.out, B, S, K)
	if BS == 0 || K == 0 {
		return out, nil
	}
	in, od := c.in.Data(), out.Data()
	var bias []float32
	if !c.bias.Empty() {
		bias = c.bias.Data()
	}
	Nc, Hc, Hk := w.Nc, w.Hc, w.Hk
	ncb := e.Tuning.ContractionBlocks(p, Nc)
	rb := config.RowBlock
	dims := [3]parallel.Dim{parallel.Blocked(Nc, ncb), parallel.Blocked(BS, rb), parallel.Span(w.Nk)}

	e.Pool.Loop3(e.Tuning.Scheme(p), dims, func(ind [3]int) {
		nc, s1, nk := ind[0], ind[1], ind[2]
		count := min(ncb, Nc-nc)
		rows := min(rb, BS-s1)
		tileOut := od[s1*K+nk*Hk:]
		if nc == 0 {
			if bias != nil {
				tile.CopyBias(tileOut, bias[nk*Hk:], rows, Hk, K)
			} else {
				tile.Zero(tileOut, rows, Hk, K)
			}
		}
		g := tile.Brgemm{M: rows, N: Hk, K: Hc, LDA: C, LDC: K, StrideA: Hc, StrideB: Hc * Hk, VNNI: w.V}
		g.Run(in[s1*C+nc*Hc:], w.Block(nk, nc), tileOut, count)
		if nc+ncb >= Nc {
			c.ep.apply(tileOut, s1*K+nk*Hk, rows, Hk, K)
		}
		if c.out.Low() {
			for r := 0; r < rows; r++ {
				c.out.RoundSlice(tileOut[r*K : r*K+Hk])
			}
		}
	})
	return out, nil
}

func (ep *epilogue) apply(t []float32, off, rows, cols, ld int) {
	switch ep.kind {
	case epGelu:
		tile.Map(t, rows, cols, ld, tile.Gelu)
	case epSilu:
		tile.Map(t, rows, cols, ld, tile.Silu)
	case epRelu:
		tile.Map(t, rows, cols, ld, tile.Relu)
	case epMul:
		tile.Mul(t, ld, ep.in1.Data()[off:], ld, rows, cols)
	case epAddScale:
		tile.ScaleAdd(t, ld, ep.in1.Data()[off:], ld, rows, cols, ep.scale)
	case epAdd2Scale:
		tile.Add(t, ld, ep.in1.Data()[off:], ld, rows, cols)
		tile.ScaleAdd(t, ld, ep.in2.Data()[off:], ld, rows, cols, ep.scale)
	}
}
