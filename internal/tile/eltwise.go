package tile

import "math"

// The element-wise primitives below operate on a rows x cols tile whose rows
// are ld elements apart.

func Zero(out []float32, rows, cols, ld int) {
	for r := 0; r < rows; r++ {
		clear(out[r*ld : r*ld+cols])
	}
}

// CopyBias broadcasts bias[cols] into every row of out.
func CopyBias(out []float32, bias []float32, rows, cols, ld int) {
	for r := 0; r < rows; r++ {
		copy(out[r*ld:r*ld+cols], bias[:cols])
	}
}

// AddBias adds bias[cols] to every row of out.
func AddBias(out []float32, bias []float32, rows, cols, ld int) {
	bias = bias[:cols]
	for r := 0; r < rows; r++ {
		row := out[r*ld : r*ld+cols]
		for c, b := range bias {
			row[c] += b
		}
	}
}

// Add sets out = out + in, both with row stride ld (in may use ldIn).
func Add(out []float32, ld int, in []float32, ldIn, rows, cols int) {
	for r := 0; r < rows; r++ {
		o := out[r*ld : r*ld+cols]
		i := in[r*ldIn : r*ldIn+cols]
		for c := range o {
			o[c] += i[c]
		}
	}
}

// Mul sets out = out * in.
func Mul(out []float32, ld int, in []float32, ldIn, rows, cols int) {
	for r := 0; r < rows; r++ {
		o := out[r*ld : r*ld+cols]
		i := in[r*ldIn : r*ldIn+cols]
		for c := range o {
			o[c] *= i[c]
		}
	}
}

// ScaleAdd sets out = out + scale*in.
func ScaleAdd(out []float32, ld int, in []float32, ldIn, rows, cols int, scale float32) {
	for r := 0; r < rows; r++ {
		o := out[r*ld : r*ld+cols]
		i := in[r*ldIn : r*ldIn+cols]
		for c := range o {
			o[c] += scale * i[c]
		}
	}
}

// Scale multiplies every element of x by s.
func Scale(x []float32, s float32) {
	for i := range x {
		x[i] *= s
	}
}

// Map applies f to every element of the tile in place.
func Map(out []float32, rows, cols, ld int, f func(float32) float32) {
	for r := 0; r < rows; r++ {
		row := out[r*ld : r*ld+cols]
		for c, v := range row {
			row[c] = f(v)
		}
	}
}

const sqrt2OverPi = 0.7978845608028654

// Gelu is the tanh approximation used by GPT-J.
func Gelu(x float32) float32 {
	v := float64(x)
	return float32(0.5 * v * (1 + math.Tanh(sqrt2OverPi*(v+0.044715*v*v*v))))
}

func Silu(x float32) float32 {
	return float32(float64(x) / (1 + math.Exp(-float64(x))))
}

func Relu(x float32) float32 {
	if x > 0 {
		return x
	}
	return 0
}
