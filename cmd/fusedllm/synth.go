package main

import (
	"context"
	"fmt"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/fusedllm/internal/logger"
	"github.com/samcharles93/fusedllm/internal/weights"
)

func synthCmd() *cli.Command {
	var out string

	flags := append([]cli.Flag{}, modelFlags()...)
	flags = append(flags, &cli.StringFlag{
		Name:        "out",
		Aliases:     []string{"o"},
		Usage:       "output weights file",
		Required:    true,
		Destination: &out,
	})

	return &cli.Command{
		Name:  "synth",
		Usage: "Write a weights file filled with seeded random parameters",
		Flags: flags,
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log := logger.FromContext(ctx)
			cfg, err := modelConfig()
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: model: %v", err), 1)
			}
			if err := weights.WriteSynthetic(out, cfg, seed); err != nil {
				return cli.Exit(fmt.Sprintf("error: write %s: %v", out, err), 1)
			}
			st, err := os.Stat(out)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: stat %s: %v", out, err), 1)
			}
			log.Info("weights written", "path", out, "family", string(cfg.Family), "layers", cfg.Layers, "bytes", st.Size())
			return nil
		},
	}
}
