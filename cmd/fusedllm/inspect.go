package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/goccy/go-json"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/fusedllm/internal/config"
	"github.com/samcharles93/fusedllm/internal/cpuinfo"
	"github.com/samcharles93/fusedllm/internal/dtype"
	"github.com/samcharles93/fusedllm/internal/weights"
)

type inspectReport struct {
	CPU      cpuinfo.Features  `json:"cpu"`
	Tier     string            `json:"tier"`
	Tuning   config.Tuning     `json:"tuning"`
	Pairs    []string          `json:"pairs"`
	Manifest *weights.Manifest `json:"manifest,omitempty"`
}

func inspectCmd() *cli.Command {
	var (
		path         string
		showTensors  bool
		tensorFilter string
		asJSON       bool
	)

	flags := append([]cli.Flag{}, tuningFlags()...)
	flags = append(flags,
		&cli.StringFlag{
			Name:        "model",
			Aliases:     []string{"m"},
			Usage:       "weights file to summarise",
			Destination: &path,
		},
		&cli.BoolFlag{Name: "tensors", Usage: "list every stored tensor", Destination: &showTensors},
		&cli.StringFlag{Name: "filter", Usage: "only list tensors whose name contains this", Destination: &tensorFilter},
		&cli.BoolFlag{Name: "json", Usage: "print the report as JSON", Destination: &asJSON},
	)

	return &cli.Command{
		Name:  "inspect",
		Usage: "Show CPU features, resolved tuning and a weights file summary",
		Flags: flags,
		Action: func(ctx context.Context, cmd *cli.Command) error {
			tuning, err := resolveTuning(cmd)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: tuning: %v", err), 1)
			}
			f := cpuinfo.Detect()
			r := inspectReport{CPU: f, Tier: f.Tier(), Tuning: tuning}
			for _, p := range dtype.Pairs() {
				r.Pairs = append(r.Pairs, p.String())
			}
			if path != "" {
				wf, err := weights.Open(path)
				if err != nil {
					return cli.Exit(fmt.Sprintf("error: open %s: %v", path, err), 1)
				}
				r.Manifest = wf.Manifest()
				defer func() { _ = wf.Close() }()
			}

			if asJSON {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(r)
			}

			fmt.Println("=== System ===")
			fmt.Printf("arch:       %s, %d CPUs\n", f.GoArch, f.CPUs)
			fmt.Printf("tier:       %s\n", r.Tier)
			fmt.Printf("features:   %s\n", strings.Join(f.Names(), " "))
			fmt.Printf("pairs:      %s\n", strings.Join(r.Pairs, " "))
			fmt.Println()
			fmt.Println("=== Tuning ===")
			fmt.Printf("first_token_threshold: %d\n", tuning.FirstTokenThreshold)
			fmt.Printf("large_cache_blocks:    %d\n", tuning.LargeCacheBlocks)
			fmt.Printf("key_tile:              %d\n", tuning.KeyTile)
			fmt.Printf("kv_cache_increment:    %d\n", tuning.KVCacheIncrement)
			fmt.Printf("loop_scheme:           %s\n", tuning.LoopScheme)
			fmt.Printf("workers:               %d\n", tuning.Workers)

			if r.Manifest == nil {
				return nil
			}
			m := r.Manifest
			c := m.Config
			fmt.Println()
			fmt.Println("=== Model ===")
			fmt.Printf("path:       %s\n", path)
			fmt.Printf("family:     %s\n", c.Family)
			fmt.Printf("layers:     %d\n", c.Layers)
			fmt.Printf("hidden:     %d (%d heads x %d)\n", c.Hidden, c.Heads, c.HeadDim)
			fmt.Printf("mlp:        %d\n", c.Intermediate)
			if c.RotaryDim > 0 {
				fmt.Printf("rotary:     %d dims, %d positions\n", c.RotaryDim, c.MaxPositions)
			}
			fmt.Printf("dtype:      %s\n", c.Pair())

			var total int64
			for _, l := range m.Layers {
				for _, e := range l.Tensors {
					total += e.Size
				}
			}
			fmt.Printf("blob:       %.1f MB\n", float64(total)/(1024*1024))

			if !showTensors {
				return nil
			}
			fmt.Println()
			fmt.Printf("%-6s %-24s %-6s %-20s %12s\n", "Layer", "Name", "DType", "Shape", "Bytes")
			for i, l := range m.Layers {
				for _, e := range l.Tensors {
					if tensorFilter != "" && !strings.Contains(e.Name, tensorFilter) {
						continue
					}
					shape := fmt.Sprint(e.Shape)
					if e.Absent {
						shape = "absent"
					}
					fmt.Printf("%-6d %-24s %-6s %-20s %12d\n", i, e.Name, e.DType, shape, e.Size)
				}
			}
			return nil
		},
	}
}
