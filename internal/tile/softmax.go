package tile

import "math"

// Softmax normalises x in place.
func Softmax(x []float32) {
	if len(x) == 0 {
		return
	}
	m := x[0]
	for _, v := range x[1:] {
		m = max(m, v)
	}
	var sum float64
	for i, v := range x {
		e := math.Exp(float64(v - m))
		x[i] = float32(e)
		sum += e
	}
	inv := float32(1 / sum)
	for i := range x {
		x[i] *= inv
	}
}

// VarSoftmax computes a row softmax of the rows x cols tile in (row stride
// ldIn) into out (row stride ldOut), recording each row's running max and
// exp-sum so that partial results over different key tiles can be merged
// with SoftmaxFixup.
func VarSoftmax(rows, cols int, in []float32, ldIn int, out []float32, ldOut int, rowMax, rowSum []float32) {
	for r := 0; r < rows; r++ {
		src := in[r*ldIn : r*ldIn+cols]
		dst := out[r*ldOut : r*ldOut+cols]
		m := src[0]
		for _, v := range src[1:] {
			m = max(m, v)
		}
		var sum float64
		for i, v := range src {
			e := math.Exp(float64(v - m))
			dst[i] = float32(e)
			sum += e
		}
		inv := float32(1 / sum)
		for i := range dst {
			dst[i] *= inv
		}
		rowMax[r] = m
		rowSum[r] = float32(sum)
	}
}

// SoftmaxFixup merges the normalised partial output cur (computed with
// statistics curMax/curSum) into acc (statistics accMax/accSum). Both tiles
// are rows x cols with row stride cols for cur and ldAcc for acc. The
// accumulated statistics are updated in place.
func SoftmaxFixup(cur []float32, acc []float32, ldAcc, rows, cols int, curMax, curSum, accMax, accSum []float32) {
	for r := 0; r < rows; r++ {
		m := max(accMax[r], curMax[r])
		wa := float64(accSum[r]) * math.Exp(float64(accMax[r]-m))
		wc := float64(curSum[r]) * math.Exp(float64(curMax[r]-m))
		total := wa + wc
		fa := float32(wa / total)
		fc := float32(wc / total)
		a := acc[r*ldAcc : r*ldAcc+cols]
		c := cur[r*cols : r*cols+cols]
		for i := range a {
			a[i] = a[i]*fa + c[i]*fc
		}
		accMax[r] = m
		accSum[r] = float32(total)
	}
}
