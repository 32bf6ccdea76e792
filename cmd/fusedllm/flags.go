package main

import (
	"fmt"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/fusedllm/internal/block"
	"github.com/samcharles93/fusedllm/internal/config"
	"github.com/samcharles93/fusedllm/internal/dtype"
)

var (
	logLevel   string
	logFormat  string
	debug      bool
	configFile string

	modelPath string

	firstTokenThreshold int64
	largeCacheBlocks    int64
	keyTile             int64
	kvCacheIncrement    int64
	loopScheme          string
	workers             int64

	family          string
	layers          int64
	hidden          int64
	heads           int64
	intermediate    int64
	maxPositions    int64
	rotaryDim       int64
	eps             float64
	layerNormBefore bool
	actDType        string
	paramDType      string
	seed            int64
)

func loggingFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "log-level",
			Usage:       "log level (debug, info, warn, error)",
			Value:       "info",
			Destination: &logLevel,
		},
		&cli.StringFlag{
			Name:        "log-format",
			Usage:       "log format (pretty, json, text)",
			Value:       "pretty",
			Destination: &logFormat,
		},
		&cli.BoolFlag{
			Name:        "debug",
			Usage:       "enable debug logging (shorthand for --log-level=debug)",
			Destination: &debug,
		},
	}
}

func configFlag() cli.Flag {
	return &cli.StringFlag{
		Name:        "config",
		Usage:       "path to config.yaml (default: user config dir)",
		Destination: &configFile,
	}
}

func tuningFlags() []cli.Flag {
	return []cli.Flag{
		&cli.Int64Flag{
			Name:        "first-token-threshold",
			Usage:       "rows above which weights are regrouped for wide output tiles",
			Destination: &firstTokenThreshold,
		},
		&cli.Int64Flag{
			Name:        "large-cache-blocks",
			Usage:       "contraction blocks per pass in large-cache mode",
			Destination: &largeCacheBlocks,
		},
		&cli.Int64Flag{
			Name:        "key-tile",
			Usage:       "attention key tile (multiple of 4)",
			Destination: &keyTile,
		},
		&cli.Int64Flag{
			Name:        "kv-cache-increment",
			Usage:       "positions added each time the kv cache grows",
			Destination: &kvCacheIncrement,
		},
		&cli.StringFlag{
			Name:        "loop-scheme",
			Usage:       "GEMM loop order for large-cache mode",
			Destination: &loopScheme,
		},
		&cli.Int64Flag{
			Name:        "workers",
			Aliases:     []string{"j"},
			Usage:       "worker goroutines per rank",
			Destination: &workers,
		},
	}
}

// modelFlags describe either a weights file or a synthetic model.
func modelFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "model",
			Aliases:     []string{"m"},
			Usage:       "path to a weights file; synthetic weights when empty",
			Destination: &modelPath,
		},
		&cli.StringFlag{
			Name:        "family",
			Usage:       "block family (gptj, opt, llama)",
			Value:       string(block.FamilyLlama),
			Destination: &family,
		},
		&cli.Int64Flag{
			Name:        "layers",
			Value:       2,
			Usage:       "decoder layers",
			Destination: &layers,
		},
		&cli.Int64Flag{
			Name:        "hidden",
			Value:       512,
			Usage:       "hidden size",
			Destination: &hidden,
		},
		&cli.Int64Flag{
			Name:        "heads",
			Value:       8,
			Usage:       "attention heads",
			Destination: &heads,
		},
		&cli.Int64Flag{
			Name:        "intermediate",
			Value:       1408,
			Usage:       "MLP width",
			Destination: &intermediate,
		},
		&cli.Int64Flag{
			Name:        "max-positions",
			Value:       2048,
			Usage:       "rotary table length",
			Destination: &maxPositions,
		},
		&cli.Int64Flag{
			Name:        "rotary-dim",
			Usage:       "rotated features per head (default: whole head)",
			Destination: &rotaryDim,
		},
		&cli.Float64Flag{
			Name:        "eps",
			Value:       1e-5,
			Usage:       "norm epsilon",
			Destination: &eps,
		},
		&cli.BoolFlag{
			Name:        "layer-norm-before",
			Value:       true,
			Usage:       "OPT: normalise before each sublayer",
			Destination: &layerNormBefore,
		},
		&cli.StringFlag{
			Name:        "dtype",
			Value:       "f32",
			Usage:       "activation and weight precision (f32, bf16, bf8)",
			Destination: &actDType,
		},
		&cli.StringFlag{
			Name:        "param-dtype",
			Value:       "f32",
			Usage:       "norm parameter precision (f32, bf16)",
			Destination: &paramDType,
		},
		&cli.Int64Flag{
			Name:        "seed",
			Value:       1,
			Usage:       "seed for synthetic weights and inputs",
			Destination: &seed,
		},
	}
}

// resolveTuning layers defaults, the yaml file, the environment and then
// any tuning flag given on the command line.
func resolveTuning(cmd *cli.Command) (config.Tuning, error) {
	path := configFile
	if path == "" {
		path = config.Path()
	}
	t, err := config.Load(path)
	if err != nil {
		return t, err
	}
	ints := []struct {
		name string
		src  int64
		dst  *int
	}{
		{"first-token-threshold", firstTokenThreshold, &t.FirstTokenThreshold},
		{"large-cache-blocks", largeCacheBlocks, &t.LargeCacheBlocks},
		{"key-tile", keyTile, &t.KeyTile},
		{"kv-cache-increment", kvCacheIncrement, &t.KVCacheIncrement},
		{"workers", workers, &t.Workers},
	}
	for _, f := range ints {
		if cmd.IsSet(f.name) {
			*f.dst = int(f.src)
		}
	}
	if cmd.IsSet("loop-scheme") {
		t.LoopScheme = loopScheme
	}
	return t, t.Validate()
}

func modelConfig() (block.Config, error) {
	act, err := dtype.Parse(actDType)
	if err != nil {
		return block.Config{}, err
	}
	param, err := dtype.Parse(paramDType)
	if err != nil {
		return block.Config{}, err
	}
	if heads < 1 || hidden%heads != 0 {
		return block.Config{}, fmt.Errorf("hidden %d is not divisible into %d heads", hidden, heads)
	}
	c := block.Config{
		Family:          block.Family(family),
		Layers:          int(layers),
		Hidden:          int(hidden),
		Heads:           int(heads),
		HeadDim:         int(hidden / heads),
		Intermediate:    int(intermediate),
		Eps:             float32(eps),
		LayerNormBefore: layerNormBefore,
		DType:           act,
		ParamDType:      param,
	}
	if c.Family != block.FamilyOPT {
		c.MaxPositions = int(maxPositions)
		c.RotaryDim = int(rotaryDim)
		if c.RotaryDim == 0 {
			c.RotaryDim = c.HeadDim
		}
	}
	return c, c.Validate()
}
