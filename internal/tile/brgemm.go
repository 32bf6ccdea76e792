package tile

// Brgemm is a batch-reduce GEMM over a fixed tile shape:
//
//	C[M][N] (+)= sum over i < count of A_i[M][K] * B_i[K][N]
//
// A_i starts StrideA elements after A_{i-1} and has row stride LDA. B_i is
// packed: element (k, n) lives at ((k/V)*N + n)*V + k%V of the block, with V
// the VNNI factor (1 means plain row-major [K][N]). C has row stride LDC.
type Brgemm struct {
	M, N, K          int
	LDA, LDC         int
	StrideA, StrideB int
	VNNI             int
	// Overwrite zeroes C before accumulating.
	Overwrite bool
}

// Run executes the batch over count blocks.
func (g *Brgemm) Run(a, b, c []float32, count int) {
	if g.M == 0 || g.N == 0 {
		return
	}
	if g.Overwrite {
		Zero(c, g.M, g.N, g.LDC)
	}
	v := max(g.VNNI, 1)
	if g.K%v != 0 {
		panic("tile: brgemm K not a multiple of the vnni factor")
	}
	for i := 0; i < count; i++ {
		ab := a[i*g.StrideA:]
		bb := b[i*g.StrideB:]
		for m := 0; m < g.M; m++ {
			arow := ab[m*g.LDA : m*g.LDA+g.K]
			crow := c[m*g.LDC : m*g.LDC+g.N]
			if v == 1 {
				accumulateRows(crow, arow, bb, g.N)
			} else {
				accumulateVNNI(crow, arow, bb, g.N, v)
			}
		}
	}
}

func accumulateRows(crow, arow, b []float32, n int) {
	for k, av := range arow {
		if av == 0 {
			continue
		}
		brow := b[k*n : k*n+n]
		j := 0
		for ; j+4 <= n; j += 4 {
			crow[j] += av * brow[j]
			crow[j+1] += av * brow[j+1]
			crow[j+2] += av * brow[j+2]
			crow[j+3] += av * brow[j+3]
		}
		for ; j < n; j++ {
			crow[j] += av * brow[j]
		}
	}
}

func accumulateVNNI(crow, arow, b []float32, n, v int) {
	for k0 := 0; k0 < len(arow); k0 += v {
		blk := b[(k0/v)*n*v : (k0/v+1)*n*v]
		for j := range crow {
			var s float32
			p := blk[j*v : j*v+v]
			for r, bv := range p {
				s += arow[k0+r] * bv
			}
			crow[j] += s
		}
	}
}

// Dot returns the float32 inner product of a and b.
func Dot(a, b []float32) float32 {
	var s0, s1, s2, s3 float32
	n := len(a)
	b = b[:n]
	i := 0
	for ; i+4 <= n; i += 4 {
		s0 += a[i] * b[i]
		s1 += a[i+1] * b[i+1]
		s2 += a[i+2] * b[i+2]
		s3 += a[i+3] * b[i+3]
	}
	for ; i < n; i++ {
		s0 += a[i] * b[i]
	}
	return s0 + s1 + s2 + s3
}
