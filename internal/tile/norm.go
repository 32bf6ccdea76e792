package tile

import "math"

// LayerNorm normalises one row: out = (x - mean) / sqrt(var + eps) * gamma + beta.
func LayerNorm(out, x, gamma, beta []float32, eps float32) {
	n := len(x)
	if n == 0 {
		return
	}
	var sum, sq float64
	for _, v := range x {
		sum += float64(v)
		sq += float64(v) * float64(v)
	}
	mean := sum / float64(n)
	variance := max(sq/float64(n)-mean*mean, 0)
	inv := float32(1 / math.Sqrt(variance+float64(eps)))
	m := float32(mean)
	for i, v := range x {
		y := (v - m) * inv * gamma[i]
		if beta != nil {
			y += beta[i]
		}
		out[i] = y
	}
}

// RMSNorm normalises one row: out = x / sqrt(mean(x^2) + eps) * gamma.
func RMSNorm(out, x, gamma []float32, eps float32) {
	n := len(x)
	if n == 0 {
		return
	}
	var sq float64
	for _, v := range x {
		sq += float64(v) * float64(v)
	}
	inv := float32(1 / math.Sqrt(sq/float64(n)+float64(eps)))
	for i, v := range x {
		out[i] = v * inv * gamma[i]
	}
}
