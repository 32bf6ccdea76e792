package dtype

import "fmt"

// Pair is the (activation, parameter) precision combination a decoder block
// is specialised for. Parameter precision applies to norm gammas and betas.
type Pair struct {
	Act   DType
	Param DType
}

func (p Pair) String() string {
	return p.Act.String() + "/" + p.Param.String()
}

var blockPairs = map[Pair]struct{}{
	{F32, F32}:   {},
	{BF16, F32}:  {},
	{BF16, BF16}: {},
	{BF8, F32}:   {},
	{BF8, BF16}:  {},
}

// CheckPair reports whether a decoder block can run with the given pair.
func CheckPair(p Pair) error {
	if _, ok := blockPairs[p]; !ok {
		return fmt.Errorf("%w: no block specialisation for %s", ErrUnsupported, p)
	}
	return nil
}

// Pairs lists the supported block specialisations in a stable order.
func Pairs() []Pair {
	return []Pair{{F32, F32}, {BF16, F32}, {BF16, BF16}, {BF8, F32}, {BF8, BF16}}
}

// CheckKernel reports whether the single-precision kernels (linear, rotary)
// have a specialisation for d.
func CheckKernel(d DType) error {
	switch d {
	case F32, BF16, BF8:
		return nil
	}
	return fmt.Errorf("%w: no kernel specialisation for %s", ErrUnsupported, d)
}
