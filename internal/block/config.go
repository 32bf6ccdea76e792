package block

import (
	"errors"
	"fmt"

	"github.com/samcharles93/fusedllm/internal/dtype"
)

var ErrConfig = errors.New("block: invalid config")

// Family selects the decoder block wiring.
type Family string

const (
	FamilyGPTJ  Family = "gptj"
	FamilyOPT   Family = "opt"
	FamilyLlama Family = "llama"
)

// Config describes one model's decoder stack. Head counts and widths are
// global; tensor-parallel ranks derive their share from the weights they
// are handed.
type Config struct {
	Family          Family      `json:"family" yaml:"family"`
	Layers          int         `json:"layers" yaml:"layers"`
	Hidden          int         `json:"hidden" yaml:"hidden"`
	Heads           int         `json:"heads" yaml:"heads"`
	HeadDim         int         `json:"head_dim" yaml:"head_dim"`
	Intermediate    int         `json:"intermediate" yaml:"intermediate"`
	MaxPositions    int         `json:"max_positions,omitempty" yaml:"max_positions,omitempty"`
	RotaryDim       int         `json:"rotary_dim,omitempty" yaml:"rotary_dim,omitempty"`
	Eps             float32     `json:"eps" yaml:"eps"`
	Eps2            float32     `json:"eps2,omitempty" yaml:"eps2,omitempty"`
	LayerNormBefore bool        `json:"layer_norm_before,omitempty" yaml:"layer_norm_before,omitempty"`
	DType           dtype.DType `json:"dtype" yaml:"dtype"`
	ParamDType      dtype.DType `json:"param_dtype" yaml:"param_dtype"`
}

// Pair is the dispatch key of the config's blocks.
func (c Config) Pair() dtype.Pair { return dtype.Pair{Act: c.DType, Param: c.ParamDType} }

func (c Config) Validate() error {
	switch c.Family {
	case FamilyGPTJ, FamilyOPT, FamilyLlama:
	default:
		return fmt.Errorf("%w: unknown family %q", ErrConfig, c.Family)
	}
	if c.Layers < 1 || c.Heads < 1 || c.HeadDim < 1 || c.Intermediate < 1 {
		return fmt.Errorf("%w: layers %d heads %d head_dim %d intermediate %d", ErrConfig, c.Layers, c.Heads, c.HeadDim, c.Intermediate)
	}
	if c.Heads*c.HeadDim != c.Hidden {
		return fmt.Errorf("%w: %d heads x %d != hidden %d", ErrConfig, c.Heads, c.HeadDim, c.Hidden)
	}
	if c.Family != FamilyOPT {
		if c.MaxPositions < 1 {
			return fmt.Errorf("%w: max_positions %d", ErrConfig, c.MaxPositions)
		}
		if c.RotaryDim < 2 || c.RotaryDim%2 != 0 || c.RotaryDim > c.HeadDim {
			return fmt.Errorf("%w: rotary_dim %d for head_dim %d", ErrConfig, c.RotaryDim, c.HeadDim)
		}
	}
	return dtype.CheckPair(c.Pair())
}

// Split says how a parameter is divided across tensor-parallel ranks.
type Split uint8

const (
	// Replicated parameters are identical on every rank.
	Replicated Split = iota
	// Column parameters are cut along their first (output) dimension.
	Column
	// Row weights are cut along their second (input) dimension.
	Row
	// ScaledBias is a row-parallel layer's bias, replicated and divided
	// by the world size since every rank adds it before the all-reduce.
	ScaledBias
)

// Kind tells generators what values a parameter holds.
type Kind uint8

const (
	Weight Kind = iota
	Bias
	Gamma
	Beta
	Table
)

// ParamSpec describes one entry of a layer's ordered parameter list.
type ParamSpec struct {
	Name  string
	Shape []int
	Kind  Kind
	Split Split
	// Unit is the granularity of a Column or Row split; heads must stay
	// whole.
	Unit int
}

// DType is the storage precision of the parameter under c.
func (p ParamSpec) DType(c Config) dtype.DType {
	switch p.Kind {
	case Gamma, Beta:
		return c.ParamDType
	case Table:
		return dtype.F32
	}
	return c.DType
}

// Specs lists a layer's parameters in constructor order. Linear weights
// are logical [out, in] matrices.
func Specs(c Config) []ParamSpec {
	F, I, H := c.Hidden, c.Intermediate, c.HeadDim
	col := func(name string, out, in, unit int) ParamSpec {
		return ParamSpec{Name: name, Shape: []int{out, in}, Kind: Weight, Split: Column, Unit: unit}
	}
	row := func(name string, out, in, unit int) ParamSpec {
		return ParamSpec{Name: name, Shape: []int{out, in}, Kind: Weight, Split: Row, Unit: unit}
	}
	vec := func(name string, n int, k Kind, s Split, unit int) ParamSpec {
		return ParamSpec{Name: name, Shape: []int{n}, Kind: k, Split: s, Unit: unit}
	}
	switch c.Family {
	case FamilyGPTJ:
		return []ParamSpec{
			vec("ln_gamma", F, Gamma, Replicated, 0),
			vec("ln_beta", F, Beta, Replicated, 0),
			col("q_proj", F, F, H),
			col("k_proj", F, F, H),
			col("v_proj", F, F, H),
			row("out_proj", F, F, H),
			col("fc_in", I, F, 1),
			vec("fc_in_bias", I, Bias, Column, 1),
			row("fc_out", F, I, 1),
			vec("fc_out_bias", F, Bias, ScaledBias, 0),
			{Name: "embed_positions", Shape: []int{c.MaxPositions, c.RotaryDim}, Kind: Table},
		}
	case FamilyOPT:
		return []ParamSpec{
			vec("attn_ln_gamma", F, Gamma, Replicated, 0),
			vec("attn_ln_beta", F, Beta, Replicated, 0),
			vec("final_ln_gamma", F, Gamma, Replicated, 0),
			vec("final_ln_beta", F, Beta, Replicated, 0),
			col("q_proj", F, F, H),
			vec("q_bias", F, Bias, Column, H),
			col("k_proj", F, F, H),
			vec("k_bias", F, Bias, Column, H),
			col("v_proj", F, F, H),
			vec("v_bias", F, Bias, Column, H),
			row("out_proj", F, F, H),
			vec("out_bias", F, Bias, ScaledBias, 0),
			col("fc1", I, F, 1),
			vec("fc1_bias", I, Bias, Column, 1),
			row("fc2", F, I, 1),
			vec("fc2_bias", F, Bias, ScaledBias, 0),
		}
	case FamilyLlama:
		return []ParamSpec{
			vec("input_ln_gamma", F, Gamma, Replicated, 0),
			col("q_proj", F, F, H),
			col("k_proj", F, F, H),
			col("v_proj", F, F, H),
			row("out_proj", F, F, H),
			vec("post_attention_ln_gamma", F, Gamma, Replicated, 0),
			col("gate_proj", I, F, 1),
			col("up_proj", I, F, 1),
			row("down_proj", F, I, 1),
			{Name: "embed_positions", Shape: []int{2, c.MaxPositions, c.RotaryDim}, Kind: Table},
		}
	}
	return nil
}
