package tile

// PackTransposed packs src[rows][cols] (row stride ld) as the B operand of a
// Brgemm whose contraction runs over cols: element (k, n) = src[n][k], with
// N = padRows. Rows in [rows, padRows) are zero.
func PackTransposed(dst, src []float32, rows, padRows, cols, ld, vnni int) {
	v := max(vnni, 1)
	if cols%v != 0 {
		panic("tile: transpose width not a multiple of the vnni factor")
	}
	clear(dst[:padRows*cols])
	for n := 0; n < rows; n++ {
		row := src[n*ld : n*ld+cols]
		for k, x := range row {
			dst[((k/v)*padRows+n)*v+k%v] = x
		}
	}
}

// PackVNNI packs src[rows][cols] (row stride ld) as the B operand of a
// Brgemm whose contraction runs over rows: element (k, n) = src[k][n], with
// K = padRows. Rows in [rows, padRows) are zero.
func PackVNNI(dst, src []float32, rows, padRows, cols, ld, vnni int) {
	v := max(vnni, 1)
	if padRows%v != 0 {
		panic("tile: vnni height not a multiple of the vnni factor")
	}
	clear(dst[:padRows*cols])
	for k := 0; k < rows; k++ {
		row := src[k*ld : k*ld+cols]
		base := (k / v) * cols * v
		r := k % v
		for n, x := range row {
			dst[base+n*v+r] = x
		}
	}
}

// Copy copies a rows x cols tile.
func Copy(dst []float32, ldDst int, src []float32, ldSrc, rows, cols int) {
	for r := 0; r < rows; r++ {
		copy(dst[r*ldDst:r*ldDst+cols], src[r*ldSrc:r*ldSrc+cols])
	}
}
