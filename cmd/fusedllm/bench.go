package main

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/goccy/go-json"
	"github.com/urfave/cli/v3"
	"golang.org/x/sync/errgroup"

	"github.com/samcharles93/fusedllm/internal/block"
	"github.com/samcharles93/fusedllm/internal/config"
	"github.com/samcharles93/fusedllm/internal/cpuinfo"
	"github.com/samcharles93/fusedllm/internal/logger"
	"github.com/samcharles93/fusedllm/internal/tensor"
)

type benchRun struct {
	Prefill    time.Duration `json:"prefill_ns"`
	Decode     time.Duration `json:"decode_ns"`
	PrefillTPS float64       `json:"prefill_tps"`
	DecodeTPS  float64       `json:"decode_tps"`
}

type benchReport struct {
	Source    string        `json:"source"`
	Model     block.Config  `json:"model"`
	Tuning    config.Tuning `json:"tuning"`
	CPU       string        `json:"cpu_tier"`
	WorldSize int           `json:"world_size"`
	Batch     int           `json:"batch"`
	Prompt    int           `json:"prompt"`
	Steps     int           `json:"steps"`
	Indirect  bool          `json:"indirect"`
	Load      time.Duration `json:"load_ns"`
	Runs      []benchRun    `json:"runs"`
}

func benchCmd() *cli.Command {
	var (
		warmupRuns int64
		benchRuns  int64
		worldSize  int64
		batch      int64
		promptLen  int64
		steps      int64
		indirect   bool
		asJSON     bool
	)

	flags := append([]cli.Flag{}, modelFlags()...)
	flags = append(flags, tuningFlags()...)
	flags = append(flags,
		&cli.Int64Flag{
			Name:        "warmup",
			Usage:       "number of warmup runs",
			Value:       1,
			Destination: &warmupRuns,
		},
		&cli.Int64Flag{
			Name:        "runs",
			Usage:       "number of benchmark runs",
			Value:       3,
			Destination: &benchRuns,
		},
		&cli.Int64Flag{
			Name:        "world-size",
			Usage:       "in-process tensor-parallel ranks",
			Value:       1,
			Destination: &worldSize,
		},
		&cli.Int64Flag{
			Name:        "batch",
			Aliases:     []string{"b"},
			Usage:       "batch rows (beams)",
			Value:       1,
			Destination: &batch,
		},
		&cli.Int64Flag{
			Name:        "prompt",
			Aliases:     []string{"p"},
			Usage:       "prompt positions in the prefill pass",
			Value:       128,
			Destination: &promptLen,
		},
		&cli.Int64Flag{
			Name:        "steps",
			Aliases:     []string{"n"},
			Usage:       "decode steps per run",
			Value:       32,
			Destination: &steps,
		},
		&cli.BoolFlag{
			Name:        "indirect",
			Usage:       "use the beam-indexed kv cache",
			Value:       true,
			Destination: &indirect,
		},
		&cli.BoolFlag{
			Name:        "json",
			Usage:       "print the report as JSON",
			Destination: &asJSON,
		},
	)

	return &cli.Command{
		Name:  "bench",
		Usage: "Time prefill and decode through the decoder stack",
		Flags: flags,
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log := logger.FromContext(ctx)
			if batch < 1 || promptLen < 1 || steps < 0 || benchRuns < 1 {
				return cli.Exit("error: batch, prompt and runs must be positive", 1)
			}

			tuning, err := resolveTuning(cmd)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: tuning: %v", err), 1)
			}

			loadStart := time.Now()
			m, err := loadModel(tuning, int(worldSize), log)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: load model: %v", err), 1)
			}
			defer m.Close()

			report := benchReport{
				Source:    m.source,
				Model:     m.cfg,
				Tuning:    tuning,
				CPU:       cpuinfo.Detect().Tier(),
				WorldSize: int(worldSize),
				Batch:     int(batch),
				Prompt:    int(promptLen),
				Steps:     int(steps),
				Indirect:  indirect,
				Load:      time.Since(loadStart),
			}
			b := bench{m: m, batch: int(batch), prompt: int(promptLen), steps: int(steps), indirect: indirect}

			for i := range int(warmupRuns) {
				log.Info("warmup run", "run", i+1)
				if _, err := b.run(ctx); err != nil {
					return cli.Exit(fmt.Sprintf("error: warmup run %d: %v", i+1, err), 1)
				}
			}
			for i := range int(benchRuns) {
				log.Info("benchmark run", "run", i+1)
				r, err := b.run(ctx)
				if err != nil {
					return cli.Exit(fmt.Sprintf("error: benchmark run %d: %v", i+1, err), 1)
				}
				report.Runs = append(report.Runs, r)
			}

			if asJSON {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(report)
			}
			printReport(report, int(warmupRuns))
			return nil
		},
	}
}

type bench struct {
	m        *model
	batch    int
	prompt   int
	steps    int
	indirect bool
}

// run drives every rank through one prefill and the decode steps. All
// ranks see the same inputs; rank 0 is timed.
func (b bench) run(ctx context.Context) (benchRun, error) {
	var out benchRun
	g, gctx := errgroup.WithContext(ctx)
	for r, st := range b.m.stacks {
		g.Go(func() error {
			res, err := b.runRank(gctx, st)
			if r == 0 {
				out = res
			}
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return benchRun{}, err
	}
	return out, nil
}

func (b bench) runRank(ctx context.Context, st *block.Stack) (benchRun, error) {
	cfg := st.Config()
	ss := st.NewSession(b.indirect)

	h := tensor.New(cfg.DType, b.batch, b.prompt, cfg.Hidden)
	tensor.FillRand(h, seed, 1)
	start := time.Now()
	if _, err := ss.Step(ctx, h, nil); err != nil {
		return benchRun{}, fmt.Errorf("prefill: %w", err)
	}
	res := benchRun{Prefill: time.Since(start)}

	start = time.Now()
	for i := range b.steps {
		x := tensor.New(cfg.DType, b.batch, 1, cfg.Hidden)
		tensor.FillRand(x, seed+int64(i)+1, 1)
		if _, err := ss.Step(ctx, x, nil); err != nil {
			return benchRun{}, fmt.Errorf("decode step %d: %w", i, err)
		}
	}
	res.Decode = time.Since(start)

	res.PrefillTPS = float64(b.batch*b.prompt) / res.Prefill.Seconds()
	if b.steps > 0 {
		res.DecodeTPS = float64(b.batch*b.steps) / res.Decode.Seconds()
	}
	return res, nil
}

func printReport(r benchReport, warmup int) {
	fmt.Println("=== FusedLLM Benchmark ===")
	fmt.Printf("Model:    %s (%s, %d layers, hidden %d)\n", r.Source, r.Model.Family, r.Model.Layers, r.Model.Hidden)
	fmt.Printf("DType:    %s\n", r.Model.Pair())
	fmt.Printf("CPU:      %s, %d CPUs\n", r.CPU, runtime.NumCPU())
	fmt.Printf("Workers:  %d per rank, %d ranks\n", r.Tuning.Workers, r.WorldSize)
	fmt.Printf("Load:     %s\n", r.Load.Round(time.Millisecond))
	fmt.Printf("Shape:    batch %d, prompt %d, %d steps\n", r.Batch, r.Prompt, r.Steps)
	fmt.Printf("Warmup:   %d runs\n", warmup)
	fmt.Printf("Runs:     %d\n", len(r.Runs))
	fmt.Println()

	fmt.Println("=== Results ===")
	fmt.Printf("%-6s %12s %10s %12s %10s\n", "Run", "Prefill", "tps", "Decode", "tps")
	var sumPrefill, sumDecode float64
	for i, run := range r.Runs {
		fmt.Printf("%-6d %12s %10.2f %12s %10.2f\n",
			i+1, run.Prefill.Round(time.Microsecond), run.PrefillTPS, run.Decode.Round(time.Microsecond), run.DecodeTPS)
		sumPrefill += run.PrefillTPS
		sumDecode += run.DecodeTPS
	}
	n := float64(len(r.Runs))
	fmt.Printf("\n%-6s %12s %10.2f %12s %10.2f\n", "Avg", "", sumPrefill/n, "", sumDecode/n)

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	fmt.Printf("\nMemory: %.1f MB alloc, %.1f MB sys\n",
		float64(mem.Alloc)/(1024*1024),
		float64(mem.Sys)/(1024*1024))
}
