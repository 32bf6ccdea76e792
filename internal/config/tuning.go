package config

import (
	"errors"
	"fmt"
	"runtime"
	"strings"
)

var ErrInvalid = errors.New("config: invalid tuning")

const (
	DefaultFirstTokenThreshold = 256
	DefaultLargeCacheBlocks    = 64
	DefaultKeyTile             = 64
	DefaultKVCacheIncrement    = 128
	DefaultLoopScheme          = "aCB"

	// SmallLoopScheme is used for the linear kernels outside large-cache mode.
	SmallLoopScheme = "aCb"

	// RowBlock is the number of flattened batch*sequence rows per GEMM tile.
	RowBlock = 64
)

// Tuning holds the process-level knobs of the kernels. It is built once at
// startup and handed to every component that needs it.
type Tuning struct {
	// FirstTokenThreshold is the B*S size above which linear weights are
	// regrouped for the prompt pass.
	FirstTokenThreshold int `yaml:"first_token_threshold" json:"first_token_threshold"`
	// LargeCacheBlocks is the number of contraction blocks per GEMM batch
	// in large-cache mode.
	LargeCacheBlocks int `yaml:"large_cache_blocks" json:"large_cache_blocks"`
	// KeyTile is the attention key tile when the key transpose runs inline.
	KeyTile int `yaml:"key_tile" json:"key_tile"`
	// KVCacheIncrement is the growth step of the indirect KV cache.
	KVCacheIncrement int `yaml:"kv_cache_increment" json:"kv_cache_increment"`
	// LoopScheme orders the (contraction, row, output) GEMM loops in
	// large-cache mode. Upper-case letters are distributed over workers.
	LoopScheme string `yaml:"loop_scheme" json:"loop_scheme"`
	Workers    int    `yaml:"workers" json:"workers"`
}

func Default() Tuning {
	return Tuning{
		FirstTokenThreshold: DefaultFirstTokenThreshold,
		LargeCacheBlocks:    DefaultLargeCacheBlocks,
		KeyTile:             DefaultKeyTile,
		KVCacheIncrement:    DefaultKVCacheIncrement,
		LoopScheme:          DefaultLoopScheme,
		Workers:             runtime.GOMAXPROCS(0),
	}
}

func (t Tuning) Validate() error {
	switch {
	case t.FirstTokenThreshold < 0:
		return fmt.Errorf("%w: first_token_threshold %d", ErrInvalid, t.FirstTokenThreshold)
	case t.LargeCacheBlocks < 1:
		return fmt.Errorf("%w: large_cache_blocks %d", ErrInvalid, t.LargeCacheBlocks)
	case t.KeyTile < 4 || t.KeyTile%4 != 0:
		return fmt.Errorf("%w: key_tile %d must be a positive multiple of 4", ErrInvalid, t.KeyTile)
	case t.KVCacheIncrement < 1:
		return fmt.Errorf("%w: kv_cache_increment %d", ErrInvalid, t.KVCacheIncrement)
	case t.Workers < 1:
		return fmt.Errorf("%w: workers %d", ErrInvalid, t.Workers)
	}
	return ValidateLoopScheme(t.LoopScheme)
}

// ValidateLoopScheme checks that s names each of the three GEMM loops once
// and never distributes the contraction loop.
func ValidateLoopScheme(s string) error {
	if len(s) != 3 {
		return fmt.Errorf("%w: loop scheme %q", ErrInvalid, s)
	}
	seen := map[byte]bool{}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c == 'A' {
			return fmt.Errorf("%w: loop scheme %q parallelizes the contraction loop", ErrInvalid, s)
		}
		l := strings.ToLower(string(c))[0]
		if l < 'a' || l > 'c' || seen[l] {
			return fmt.Errorf("%w: loop scheme %q", ErrInvalid, s)
		}
		seen[l] = true
	}
	return nil
}

// Pass carries the decisions taken once per block forward. It is passed by
// value down to the kernels so concurrent forwards never share it.
type Pass struct {
	LargeCache bool
}

// PassFor derives the per-forward options from the flattened row count.
func PassFor(rows int) Pass {
	return Pass{LargeCache: rows/RowBlock > 4}
}

// ContractionBlocks returns how many contraction blocks one GEMM call batches.
func (t Tuning) ContractionBlocks(p Pass, nc int) int {
	if p.LargeCache && t.LargeCacheBlocks < nc {
		return t.LargeCacheBlocks
	}
	return nc
}

// Scheme returns the loop order for a linear kernel.
func (t Tuning) Scheme(p Pass) string {
	if p.LargeCache {
		return t.LoopScheme
	}
	return SmallLoopScheme
}
