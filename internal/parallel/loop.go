package parallel

import "fmt"

// Dim is one loop of a Loop3 nest: Start, Start+Step, ... while < End.
type Dim struct {
	Start, End, Step int
}

// Span is a unit-step loop over [0, n).
func Span(n int) Dim { return Dim{End: n, Step: 1} }

// Blocked is a loop over [0, n) in steps of block.
func Blocked(n, block int) Dim { return Dim{End: n, Step: block} }

func (d Dim) count() int {
	if d.End <= d.Start {
		return 0
	}
	return (d.End - d.Start + d.Step - 1) / d.Step
}

func (d Dim) at(i int) int { return d.Start + i*d.Step }

// Loop3 runs body over a three-dimensional iteration space. The scheme
// spells the loop nest from outermost to innermost with 'a', 'b' and 'c'
// naming dims[0..2]. Upper-case loops are distributed over the pool and
// collapsed into one parallel region; lower-case loops before the first
// upper-case one run sequentially around it, the rest run inside each work
// item. body receives the current value of each loop, indexed like dims.
func (p *Pool) Loop3(scheme string, dims [3]Dim, body func(ind [3]int)) {
	order, par, err := parseScheme(scheme)
	if err != nil {
		panic(err)
	}
	for i, d := range dims {
		if d.Step <= 0 {
			panic(fmt.Sprintf("parallel: dim %d has step %d", i, d.Step))
		}
	}
	first := -1
	for pos := range order {
		if par[pos] {
			first = pos
			break
		}
	}
	if first < 0 {
		var ind [3]int
		nest(order, dims, ind, body)
		return
	}

	var parDims, innerDims []int
	for pos := first; pos < len(order); pos++ {
		if par[pos] {
			parDims = append(parDims, order[pos])
		} else {
			innerDims = append(innerDims, order[pos])
		}
	}
	total := 1
	for _, d := range parDims {
		total *= dims[d].count()
	}

	var outer func(pos int, ind [3]int)
	outer = func(pos int, ind [3]int) {
		if pos == first {
			p.ForEach(total, func(flat int) {
				in := ind
				for k := len(parDims) - 1; k >= 0; k-- {
					d := parDims[k]
					c := dims[d].count()
					in[d] = dims[d].at(flat % c)
					flat /= c
				}
				nest(innerDims, dims, in, body)
			})
			return
		}
		d := order[pos]
		for i := 0; i < dims[d].count(); i++ {
			ind[d] = dims[d].at(i)
			outer(pos+1, ind)
		}
	}
	var ind [3]int
	outer(0, ind)
}

func nest(order []int, dims [3]Dim, ind [3]int, body func([3]int)) {
	if len(order) == 0 {
		body(ind)
		return
	}
	d := order[0]
	for i := 0; i < dims[d].count(); i++ {
		ind[d] = dims[d].at(i)
		nest(order[1:], dims, ind, body)
	}
}

func parseScheme(s string) ([]int, []bool, error) {
	if len(s) != 3 {
		return nil, nil, fmt.Errorf("parallel: loop scheme %q must name three loops", s)
	}
	order := make([]int, 3)
	par := make([]bool, 3)
	var seen [3]bool
	for i := 0; i < 3; i++ {
		c := s[i]
		up := c >= 'A' && c <= 'C'
		if up {
			c += 'a' - 'A'
		}
		if c < 'a' || c > 'c' || seen[c-'a'] {
			return nil, nil, fmt.Errorf("parallel: bad loop scheme %q", s)
		}
		seen[c-'a'] = true
		order[i] = int(c - 'a')
		par[i] = up
	}
	return order, par, nil
}
