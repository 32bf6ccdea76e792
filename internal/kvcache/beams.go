package kvcache

// BeamTable has one row per cached time step. Row t maps each active beam
// to the batch row that stores its token at step t. A fresh table is the
// identity.
type BeamTable [][]int

// IdentityBeams returns a capacity x batch table with every row 0..batch-1.
func IdentityBeams(capacity, batch int) BeamTable {
	t := make(BeamTable, capacity)
	for i := range t {
		row := make([]int, batch)
		for b := range row {
			row[b] = b
		}
		t[i] = row
	}
	return t
}

// Grow returns a capacity-row identity table whose first n rows are copied
// from t.
func (t BeamTable) Grow(capacity, batch, n int) BeamTable {
	g := IdentityBeams(capacity, batch)
	for i := 0; i < n && i < len(t); i++ {
		copy(g[i], t[i])
	}
	return g
}

// TraceBeams follows beam ancestry back from step offset-1 and returns, for
// every active beam b, the batch row holding its token at each step
// t < offset: the newest step is read straight from the table and every
// earlier step through the row found for the step after it. The table is
// not modified.
func TraceBeams(t BeamTable, batch, offset int) [][]int {
	out := make([][]int, batch)
	for b := range out {
		row := make([]int, offset)
		if offset > 0 {
			row[offset-1] = t[offset-1][b]
			for j := offset - 2; j >= 0; j-- {
				row[j] = t[j][row[j+1]]
			}
		}
		out[b] = row
	}
	return out
}
