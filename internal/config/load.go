package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// File mirrors the tuning section of config.yaml. Pointer fields keep "not
// set" distinct from zero.
type File struct {
	FirstTokenThreshold *int    `yaml:"first_token_threshold"`
	LargeCacheBlocks    *int    `yaml:"large_cache_blocks"`
	KeyTile             *int    `yaml:"key_tile"`
	KVCacheIncrement    *int    `yaml:"kv_cache_increment"`
	LoopScheme          *string `yaml:"loop_scheme"`
	Workers             *int    `yaml:"workers"`
}

// Path returns the default location of the config file.
func Path() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "fusedllm", "config.yaml")
}

// ReadFile parses a yaml document holding a top-level "tuning" mapping. A
// missing file is not an error.
func ReadFile(path string) (File, error) {
	var doc struct {
		Tuning File `yaml:"tuning"`
	}
	if path == "" {
		return doc.Tuning, nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return doc.Tuning, nil
	}
	if err != nil {
		return doc.Tuning, err
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return doc.Tuning, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return doc.Tuning, nil
}

func (f File) apply(t *Tuning) {
	setInt(&t.FirstTokenThreshold, f.FirstTokenThreshold)
	setInt(&t.LargeCacheBlocks, f.LargeCacheBlocks)
	setInt(&t.KeyTile, f.KeyTile)
	setInt(&t.KVCacheIncrement, f.KVCacheIncrement)
	setInt(&t.Workers, f.Workers)
	if f.LoopScheme != nil {
		t.LoopScheme = *f.LoopScheme
	}
}

func setInt(dst *int, v *int) {
	if v != nil {
		*dst = *v
	}
}

// Env variables recognised by ApplyEnv.
var envInts = []struct {
	name string
	get  func(*Tuning) *int
}{
	{"FT_OPT_SIZE", func(t *Tuning) *int { return &t.FirstTokenThreshold }},
	{"NCB_BLOCK_SIZE", func(t *Tuning) *int { return &t.LargeCacheBlocks }},
	{"SK_BLOCK_SIZE", func(t *Tuning) *int { return &t.KeyTile }},
	{"KV_CACHE_INC_SIZE", func(t *Tuning) *int { return &t.KVCacheIncrement }},
	{"FUSEDLLM_WORKERS", func(t *Tuning) *int { return &t.Workers }},
}

// ApplyEnv overlays environment variables using lookup (os.LookupEnv in
// production).
func ApplyEnv(t *Tuning, lookup func(string) (string, bool)) error {
	for _, e := range envInts {
		s, ok := lookup(e.name)
		if !ok || strings.TrimSpace(s) == "" {
			continue
		}
		v, err := strconv.Atoi(strings.TrimSpace(s))
		if err != nil {
			return fmt.Errorf("%w: %s=%q", ErrInvalid, e.name, s)
		}
		*e.get(t) = v
	}
	if s, ok := lookup("GEMM_LOOP_SCHEME"); ok && s != "" {
		t.LoopScheme = s
	}
	return nil
}

// Load resolves defaults, then the yaml file at path, then the environment,
// and validates the result.
func Load(path string) (Tuning, error) {
	t := Default()
	f, err := ReadFile(path)
	if err != nil {
		return t, err
	}
	f.apply(&t)
	if err := ApplyEnv(&t, os.LookupEnv); err != nil {
		return t, err
	}
	return t, t.Validate()
}
