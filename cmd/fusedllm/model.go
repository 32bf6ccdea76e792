package main

import (
	"fmt"

	"github.com/samcharles93/fusedllm/internal/block"
	"github.com/samcharles93/fusedllm/internal/collective"
	"github.com/samcharles93/fusedllm/internal/config"
	"github.com/samcharles93/fusedllm/internal/kernels"
	"github.com/samcharles93/fusedllm/internal/logger"
	"github.com/samcharles93/fusedllm/internal/tensor"
	"github.com/samcharles93/fusedllm/internal/weights"
)

// model is one decoder stack per rank of an in-process world.
type model struct {
	cfg    block.Config
	source string
	stacks []*block.Stack

	execs  []*kernels.Exec
	groups []*collective.ProcessGroup
}

// loadModel builds the stacks from --model, or from synthetic weights
// described by the model flags when no path is given.
func loadModel(tuning config.Tuning, world int, log logger.Logger) (*model, error) {
	if world < 1 {
		return nil, fmt.Errorf("world size must be at least 1, got %d", world)
	}
	m := &model{source: "synthetic"}

	var (
		file *weights.File
		full [][]*tensor.Tensor
	)
	if modelPath != "" {
		f, err := weights.Open(modelPath)
		if err != nil {
			return nil, err
		}
		defer func() { _ = f.Close() }()
		file, m.cfg, m.source = f, f.Config(), modelPath
	} else {
		cfg, err := modelConfig()
		if err != nil {
			return nil, err
		}
		m.cfg = cfg
		full = make([][]*tensor.Tensor, cfg.Layers)
		for i := range full {
			full[i] = block.Synthetic(cfg, seed+int64(i))
		}
	}

	if world > 1 {
		m.groups = collective.NewWorld(world, log)
	}
	for r := range world {
		x, err := kernels.NewExec(tuning)
		if err != nil {
			m.Close()
			return nil, err
		}
		m.execs = append(m.execs, x)
		opts := block.Options{Exec: x, Log: log}
		if m.groups != nil {
			opts.Group = m.groups[r]
		}

		var st *block.Stack
		if file != nil {
			st, err = file.Stack(opts)
		} else {
			st, err = syntheticStack(m.cfg, full, r, world, opts)
		}
		if err != nil {
			m.Close()
			return nil, fmt.Errorf("rank %d: %w", r, err)
		}
		m.stacks = append(m.stacks, st)
	}
	return m, nil
}

func syntheticStack(cfg block.Config, full [][]*tensor.Tensor, rank, world int, opts block.Options) (*block.Stack, error) {
	layers := make([][]*tensor.Tensor, len(full))
	for i, ps := range full {
		sh, err := block.Shard(cfg, ps, rank, world)
		if err != nil {
			return nil, err
		}
		layers[i] = sh
	}
	return block.NewStack(cfg, layers, opts)
}

func (m *model) Close() {
	for _, g := range m.groups {
		_ = g.Close()
	}
	for _, x := range m.execs {
		x.Close()
	}
}
