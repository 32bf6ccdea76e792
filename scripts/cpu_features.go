package main

import (
	"fmt"
	"os"
	"runtime"

	"github.com/goccy/go-json"

	"github.com/samcharles93/fusedllm/internal/cpuinfo"
	"github.com/samcharles93/fusedllm/internal/dtype"
)

type output struct {
	GoVersion string           `json:"go_version"`
	GoOS      string           `json:"go_os"`
	Tier      string           `json:"tier"`
	Features  cpuinfo.Features `json:"features"`
	Pairs     []dtype.Pair     `json:"pairs"`
}

func main() {
	f := cpuinfo.Detect()
	out := output{
		GoVersion: runtime.Version(),
		GoOS:      runtime.GOOS,
		Tier:      f.Tier(),
		Features:  f,
		Pairs:     dtype.Pairs(),
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(out); err != nil {
		fmt.Fprintf(os.Stderr, "encode: %v\n", err)
		os.Exit(1)
	}
}
