package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/spf13/cobra"

	"github.com/mschirtzinger/huddle/internal/schema"
	"github.com/mschirtzinger/huddle/internal/snapshot"
	"github.com/mschirtzinger/huddle/internal/ui"
)

var exportCmd = &cobra.Command{
	Use:     "export [file]",
	GroupID: "advanced",
	Short:   "Write the local store as JSONL",
	Long: `Write every stored entity, tombstones included, as one JSON line each.
Local changes the server has not confirmed yet are left out. Writes to
stdout when no file is given.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(false)
		if err != nil {
			return err
		}
		defer a.Close()

		var w io.Writer = cmd.OutOrStdout()
		var tmp *os.File
		if len(args) == 1 {
			// Write to a temp file and rename, so a failed export never
			// leaves a truncated snapshot behind.
			tmp, err = os.CreateTemp(filepath.Dir(args[0]), ".huddle-export-*")
			if err != nil {
				return fmt.Errorf("failed to create export file: %w", err)
			}
			defer os.Remove(tmp.Name())
			w = tmp
		}

		res, err := snapshot.Export(cmd.Context(), a.store, w)
		if err != nil {
			if tmp != nil {
				_ = tmp.Close()
			}
			return err
		}
		if tmp != nil {
			if err := tmp.Close(); err != nil {
				return fmt.Errorf("failed to write export: %w", err)
			}
			if err := os.Rename(tmp.Name(), args[0]); err != nil {
				return fmt.Errorf("failed to move export into place: %w", err)
			}
		}

		total := 0
		kinds := make([]string, 0, len(res.Rows))
		for k, n := range res.Rows {
			total += n
			kinds = append(kinds, fmt.Sprintf("%s=%d", k, n))
		}
		sort.Strings(kinds)
		fmt.Fprintf(cmd.ErrOrStderr(), "%s Exported %d entities (%d deleted) %v\n", ui.OK.Render("✓"), total, res.Tombstones, kinds)
		if res.Skipped > 0 {
			fmt.Fprintf(cmd.ErrOrStderr(), "   %d unconfirmed local entities skipped\n", res.Skipped)
		}
		return nil
	},
}

var importCmd = &cobra.Command{
	Use:     "import <file>",
	GroupID: "advanced",
	Short:   "Merge a JSONL snapshot into the local store",
	Long: `Merge a snapshot written by 'huddle export'. Every line is merged like a
server pull, so state newer than the snapshot is kept. Use - to read stdin.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := commandContext(cmd.Context())
		defer cancel()

		var r io.Reader = cmd.InOrStdin()
		if args[0] != "-" {
			f, err := os.Open(args[0])
			if err != nil {
				return fmt.Errorf("failed to open snapshot: %w", err)
			}
			defer f.Close()
			r = f
		}

		a, err := openApp(false)
		if err != nil {
			return err
		}
		defer a.Close()

		res, err := snapshot.Import(ctx, r, a.applier)
		if res != nil && structured() {
			if eerr := emit(cmd.OutOrStdout(), res); eerr != nil {
				return eerr
			}
		} else if res != nil {
			fmt.Fprintf(cmd.OutOrStdout(), "%s Imported %d lines: %d accepted, %d rejected, %d conflicts\n",
				ui.OK.Render("✓"), res.Lines, res.Accepted, res.Rejected, res.Conflicts)
			for _, e := range res.Errors {
				warnf("%s", e)
			}
		}
		if err != nil {
			return err
		}
		if res.Lines > 0 && len(res.Errors) == res.Lines {
			return fmt.Errorf("%w: no line of %s could be imported", schema.ErrMalformedEntity, args[0])
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(exportCmd, importCmd)
}
