package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/goccy/go-json"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/fusedllm/internal/cpuinfo"
	"github.com/samcharles93/fusedllm/internal/version"
)

type versionReport struct {
	version.Info
	Kernels string `json:"kernels"`
}

func buildVersionReport() versionReport {
	return versionReport{Info: version.Resolve(), Kernels: cpuinfo.Detect().Tier()}
}

// writeText prints the non-empty fields as aligned "key: value" lines.
func (r versionReport) writeText(w io.Writer) error {
	rows := [][2]string{
		{"version", r.Version},
		{"commit", r.Commit},
		{"build time", r.BuildTime},
		{"go", r.GoVersion},
		{"kernels", r.Kernels},
	}
	if r.Modified {
		rows = append(rows, [2]string{"modified", "true"})
	}
	for _, row := range rows {
		if row[1] == "" {
			continue
		}
		if _, err := fmt.Fprintf(w, "%-11s %s\n", row[0]+":", row[1]); err != nil {
			return err
		}
	}
	return nil
}

func versionCmd() *cli.Command {
	var asJSON bool
	return &cli.Command{
		Name:  "version",
		Usage: "Print version information",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "json", Usage: "print as JSON", Destination: &asJSON},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			r := buildVersionReport()
			if asJSON {
				return json.NewEncoder(os.Stdout).Encode(r)
			}
			return r.writeText(os.Stdout)
		},
	}
}
