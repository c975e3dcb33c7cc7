package main

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/spf13/cobra"

	"github.com/mschirtzinger/huddle/internal/loadtest"
	"github.com/mschirtzinger/huddle/internal/ui"
)

var benchCmd = &cobra.Command{
	Use:     "bench",
	GroupID: "advanced",
	Short:   "Check that concurrent merging converges, and how fast",
	Long: `Generate a randomized stream of conflicting task states, apply it from
many goroutines in a shuffled order to a scratch store, and check that the
result matches the state predicted from the stream alone.

Each --runs uses a different shuffle; every run must converge to the same
state.

Examples:
  # Default workload (200 tasks, 12 candidates each, 8 workers)
  huddle bench

  # Heavier contention: more workers, fewer distinct versions
  huddle bench --workers 32 --versions 2

  # Output the report as JSON
  huddle bench -o json
`,
	Annotations: map[string]string{"config": "none"},
	RunE:        runBench,
}

func init() {
	d := loadtest.DefaultOptions()
	benchCmd.Flags().Int("entities", d.Entities, "number of tasks")
	benchCmd.Flags().Int("candidates", d.CandidatesPerEntity, "candidate states per task")
	benchCmd.Flags().Int("versions", d.Versions, "distinct versions per task (fewer means more conflicts)")
	benchCmd.Flags().Float64("tombstones", d.TombstonePct, "chance that a task is deleted (0.0-1.0)")
	benchCmd.Flags().Int64("seed", d.Seed, "workload seed")
	benchCmd.Flags().Int("workers", 8, "concurrent appliers")
	benchCmd.Flags().Int("runs", 3, "number of shuffled runs")
	rootCmd.AddCommand(benchCmd)
}

type benchRun struct {
	Seed      int64                  `json:"seed"`
	Latency   *loadtest.LatencyStats `json:"latency"`
	Outcomes  map[string]int         `json:"outcomes"`
	Converged bool                   `json:"converged"`
	Error     string                 `json:"error,omitempty"`
}

func runBench(cmd *cobra.Command, _ []string) error {
	opts := loadtest.Options{}
	opts.Entities, _ = cmd.Flags().GetInt("entities")
	opts.CandidatesPerEntity, _ = cmd.Flags().GetInt("candidates")
	opts.Versions, _ = cmd.Flags().GetInt("versions")
	opts.TombstonePct, _ = cmd.Flags().GetFloat64("tombstones")
	opts.Seed, _ = cmd.Flags().GetInt64("seed")
	workers, _ := cmd.Flags().GetInt("workers")
	runs, _ := cmd.Flags().GetInt("runs")

	if opts.TombstonePct < 0 || opts.TombstonePct > 1 {
		return fmt.Errorf("--tombstones must be between 0.0 and 1.0")
	}
	if workers <= 0 || runs <= 0 {
		return fmt.Errorf("--workers and --runs must be positive")
	}

	ctx, cancel := commandContext(cmd.Context())
	defer cancel()

	cands, err := loadtest.Generate(opts)
	if err != nil {
		return err
	}
	want := loadtest.Expect(cands)

	dir, err := os.MkdirTemp("", "huddle-bench-*")
	if err != nil {
		return err
	}
	defer os.RemoveAll(dir)

	if !structured() {
		fmt.Fprintf(cmd.OutOrStdout(), "Applying %d candidates for %d tasks with %d workers\n\n",
			len(cands), len(want), workers)
	}

	var results []benchRun
	failed := 0
	for i := 0; i < runs; i++ {
		seed := opts.Seed + int64(i) + 1
		r := benchRun{Seed: seed, Outcomes: make(map[string]int)}

		h, err := loadtest.CreateHarness(filepath.Join(dir, fmt.Sprintf("run-%d.db", i)))
		if err != nil {
			return err
		}
		report, err := h.Run(ctx, cands, workers, seed)
		if err == nil {
			err = h.Verify(ctx, want)
		}
		_ = h.Close()

		if report != nil {
			r.Latency = report.Latency
			for o, n := range report.Outcomes {
				r.Outcomes[o.String()] = n
			}
		}
		r.Converged = err == nil
		if err != nil {
			r.Error = err.Error()
			failed++
		}
		results = append(results, r)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !structured() {
			printBenchRun(cmd, i+1, r)
		}
	}

	if structured() {
		if err := emit(cmd.OutOrStdout(), results); err != nil {
			return err
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d runs did not converge", failed, runs)
	}
	return nil
}

func printBenchRun(cmd *cobra.Command, n int, r benchRun) {
	w := cmd.OutOrStdout()
	mark := ui.OK.Render("✓ converged")
	if !r.Converged {
		mark = ui.Bad.Render("✗ diverged")
	}
	fmt.Fprintf(w, "%s  run %d (shuffle seed %d)\n", ui.Title.Render("==="), n, r.Seed)
	if r.Latency != nil {
		r.Latency.Print(w)
	}
	names := make([]string, 0, len(r.Outcomes))
	for o := range r.Outcomes {
		names = append(names, o)
	}
	sort.Strings(names)
	fmt.Fprintf(w, "Outcomes:\n")
	for _, o := range names {
		fmt.Fprintf(w, "  %-14s %d\n", o+":", r.Outcomes[o])
	}
	fmt.Fprintf(w, "%s\n", mark)
	if r.Error != "" {
		fmt.Fprintf(w, "%s\n", ui.Muted.Render(r.Error))
	}
	fmt.Fprintln(w)
}
