package main

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/mschirtzinger/huddle/internal/schema"
	"github.com/mschirtzinger/huddle/internal/scheduler"
	hsync "github.com/mschirtzinger/huddle/internal/sync"
	"github.com/mschirtzinger/huddle/internal/ui"
)

var syncCmd = &cobra.Command{
	Use:     "sync [project...]",
	GroupID: "sync",
	Short:   "Pull projects from the server once",
	Long: `Pull a full snapshot of the given projects, or of every followed project
plus presence when none are given, and merge it into the local store.

Newer local state is never overwritten by an older snapshot.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := commandContext(cmd.Context())
		defer cancel()

		a, err := openApp(true)
		if err != nil {
			return err
		}
		defer a.Close()
		syncer := a.syncer(nil)

		start := time.Now()
		var (
			res    hsync.Result
			runErr error
		)
		if len(args) == 0 {
			res, runErr = syncer.PullAll(ctx)
		} else {
			for _, id := range args {
				r, err := syncer.PullProject(ctx, id)
				res.Add(r)
				if err != nil {
					runErr = err
					warnf("%s: %v", id, err)
				}
			}
		}

		if structured() {
			if err := emit(cmd.OutOrStdout(), res); err != nil {
				return err
			}
			return runErr
		}
		mark := ui.OK.Render("✓")
		if runErr != nil {
			mark = ui.Warn.Render("⚠")
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s Sync finished in %v\n", mark, time.Since(start).Round(time.Millisecond))
		fmt.Fprintf(cmd.OutOrStdout(), "   %s\n", res)
		return runErr
	},
}

var subscribeCmd = &cobra.Command{
	Use:     "subscribe <project>...",
	GroupID: "sync",
	Short:   "Follow projects and pull them",
	Args:    cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := commandContext(cmd.Context())
		defer cancel()

		a, err := openApp(true)
		if err != nil {
			return err
		}
		defer a.Close()
		syncer := a.syncer(nil)

		for _, id := range args {
			res, err := syncer.Subscribe(ctx, id)
			if err != nil {
				return fmt.Errorf("failed to subscribe to %s: %w", id, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s Following %s (%s)\n", ui.OK.Render("✓"), id, res)
		}
		return nil
	},
}

var unsubscribeCmd = &cobra.Command{
	Use:     "unsubscribe <project>...",
	GroupID: "sync",
	Short:   "Stop following projects",
	Long:    `Stop following projects. Entities already stored are kept.`,
	Args:    cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(false)
		if err != nil {
			return err
		}
		defer a.Close()
		for _, id := range args {
			if err := a.store.RemoveSubscription(cmd.Context(), id); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s No longer following %s\n", ui.OK.Render("✓"), id)
		}
		return nil
	},
}

type statusReport struct {
	DBPath    string                        `json:"dbPath"`
	DBSize    int64                         `json:"dbSize"`
	Projects  []string                      `json:"projects"`
	Live      map[schema.Kind]int           `json:"live"`
	Tombstone map[schema.Kind]int           `json:"tombstones"`
	Mutations map[schema.MutationStatus]int `json:"mutations"`
	Scheduler *scheduler.Status             `json:"scheduler"`
}

var statusCmd = &cobra.Command{
	Use:     "status",
	GroupID: "sync",
	Short:   "Show local store and sync status",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		if _, err := os.Stat(cfg.DBPath); os.IsNotExist(err) {
			fmt.Fprintf(cmd.OutOrStdout(), "\n%s Local store not initialized\n", ui.Warn.Render("⚠"))
			fmt.Fprintf(cmd.OutOrStdout(), "   Run 'huddle subscribe <project>' to create it\n\n")
			return nil
		}

		a, err := openApp(false)
		if err != nil {
			return err
		}
		defer a.Close()

		rep := statusReport{DBPath: cfg.DBPath, Mutations: make(map[schema.MutationStatus]int)}
		if info, err := os.Stat(cfg.DBPath); err == nil {
			rep.DBSize = info.Size()
		}
		if rep.Projects, err = a.store.Subscriptions(ctx); err != nil {
			return err
		}
		if rep.Live, rep.Tombstone, err = a.store.Counts(ctx); err != nil {
			return err
		}
		muts, err := a.store.ListMutations(ctx)
		if err != nil {
			return err
		}
		for _, m := range muts {
			rep.Mutations[m.Status]++
		}
		if rep.Scheduler, err = scheduler.LoadStatus(ctx, a.store); err != nil {
			return err
		}

		if structured() {
			return emit(cmd.OutOrStdout(), rep)
		}
		printStatus(cmd, rep)
		return nil
	},
}

func printStatus(cmd *cobra.Command, rep statusReport) {
	w := cmd.OutOrStdout()
	now := time.Now()

	sizeStr := fmt.Sprintf("%d bytes", rep.DBSize)
	if rep.DBSize > 1024*1024 {
		sizeStr = fmt.Sprintf("%.1f MB", float64(rep.DBSize)/(1024*1024))
	} else if rep.DBSize > 1024 {
		sizeStr = fmt.Sprintf("%.1f KB", float64(rep.DBSize)/1024)
	}
	fmt.Fprintf(w, "\n%s\n\n", ui.Title.Render("Local store"))
	fmt.Fprintf(w, "   Path:      %s (%s)\n", rep.DBPath, sizeStr)
	if len(rep.Projects) == 0 {
		fmt.Fprintf(w, "   Following: %s\n", ui.Muted.Render("nothing"))
	} else {
		fmt.Fprintf(w, "   Following: %v\n", rep.Projects)
	}

	rows := make([][]string, 0, len(schema.Kinds))
	for _, k := range schema.Kinds {
		rows = append(rows, []string{string(k), strconv.Itoa(rep.Live[k]), strconv.Itoa(rep.Tombstone[k])})
	}
	fmt.Fprintf(w, "\n%s\n", ui.Table([]string{"Kind", "Live", "Deleted"}, rows))

	fmt.Fprintf(w, "\n%s\n\n", ui.Title.Render("Local changes"))
	statuses := []schema.MutationStatus{schema.MutationPending, schema.MutationInFlight, schema.MutationConfirmed, schema.MutationFailed}
	for _, s := range statuses {
		fmt.Fprintf(w, "   %-10s %d\n", ui.MutationStatus(s), rep.Mutations[s])
	}

	fmt.Fprintf(w, "\n%s\n\n", ui.Title.Render("Background jobs"))
	tags := make([]string, 0, len(rep.Scheduler.LastRun))
	for tag := range rep.Scheduler.LastRun {
		tags = append(tags, tag)
	}
	sort.Strings(tags)
	if len(tags) == 0 {
		fmt.Fprintf(w, "   %s\n", ui.Muted.Render("never run (start 'huddle daemon')"))
	}
	for _, tag := range tags {
		fmt.Fprintf(w, "   %-14s last run %s\n", tag, ui.Ago(rep.Scheduler.LastRun[tag], now))
	}
	failures := strconv.Itoa(rep.Scheduler.ConsecutiveFailures)
	if rep.Scheduler.ConsecutiveFailures > 0 {
		failures = ui.Bad.Render(failures)
	}
	fmt.Fprintf(w, "   Consecutive failures: %s\n\n", failures)
}

func init() {
	rootCmd.AddCommand(syncCmd, subscribeCmd, unsubscribeCmd, statusCmd)
}
