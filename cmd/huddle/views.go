package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/mschirtzinger/huddle/internal/derived"
	"github.com/mschirtzinger/huddle/internal/schema"
	"github.com/mschirtzinger/huddle/internal/ui"
)

var feedCmd = &cobra.Command{
	Use:     "feed [project]",
	GroupID: "views",
	Short:   "Show recent activity",
	Long: `Show recent activity, newest first: across every project, for one
project, or (with --mine) only items you made or were nudged in.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(false)
		if err != nil {
			return err
		}
		defer a.Close()

		q := derived.FeedQuery{}
		q.Limit, _ = cmd.Flags().GetInt("limit")
		if len(args) == 1 {
			q.ProjectID = args[0]
		}
		if mine, _ := cmd.Flags().GetBool("mine"); mine {
			if cfg.User.ID == "" {
				return fmt.Errorf("--mine needs user.id in the config")
			}
			q.UserID = cfg.User.ID
		}
		items, err := a.engine.Feed(cmd.Context(), q)
		if err != nil {
			return err
		}
		if structured() {
			return emit(cmd.OutOrStdout(), items)
		}
		if len(items) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), ui.Muted.Render("No activity."))
			return nil
		}
		now := time.Now()
		for _, it := range items {
			summary, err := derived.Summarize(it)
			if err != nil {
				summary = ui.Bad.Render(err.Error())
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s  %s  %s\n",
				ui.Muted.Render(fmt.Sprintf("%-8s", ui.Ago(it.Timestamp, now))),
				ui.Accent.Render(it.ProjectID), summary)
		}
		return nil
	},
}

var milestonesCmd = &cobra.Command{
	Use:     "milestones <project>",
	GroupID: "views",
	Short:   "Show milestone progress",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(false)
		if err != nil {
			return err
		}
		defer a.Close()

		ms, err := a.engine.Milestones(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if structured() {
			return emit(cmd.OutOrStdout(), ms)
		}
		if len(ms) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), ui.Muted.Render("No milestones."))
			return nil
		}
		rows := make([][]string, 0, len(ms))
		for _, m := range ms {
			due := "-"
			if m.DueDate != nil {
				due = m.DueDate.Local().Format("2006-01-02")
			}
			title := m.Title
			if m.IsCompleted {
				title = ui.OK.Render("✓ " + title)
			}
			rows = append(rows, []string{m.ID, title, due, ui.ProgressBar(m.Progress, 20)})
		}
		fmt.Fprintln(cmd.OutOrStdout(), ui.Table([]string{"ID", "Milestone", "Due", "Progress"}, rows))
		return nil
	},
}

var blockedCmd = &cobra.Command{
	Use:     "blocked <project>",
	GroupID: "views",
	Short:   "Show blocked tasks, most urgent first",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(false)
		if err != nil {
			return err
		}
		defer a.Close()

		tasks, err := a.engine.BlockedTasks(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if structured() {
			return emit(cmd.OutOrStdout(), tasks)
		}
		if len(tasks) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), ui.OK.Render("Nothing is blocked."))
			return nil
		}
		risk, err := a.store.RiskLevels(cmd.Context())
		if err != nil {
			return err
		}
		rows := make([][]string, 0, len(tasks))
		for _, t := range tasks {
			level := risk[t.ID]
			if level == "" {
				level = schema.RiskNormal
			}
			rows = append(rows, []string{t.ID, t.Title, string(t.Priority), ui.Status(t.Status), ui.Risk(level), t.AssignedTo, t.BlockerReason})
		}
		fmt.Fprintln(cmd.OutOrStdout(), ui.Table([]string{"ID", "Task", "Priority", "Status", "Risk", "Assignee", "Blocker"}, rows))
		return nil
	},
}

var presenceCmd = &cobra.Command{
	Use:     "presence",
	GroupID: "views",
	Short:   "Show who is online",
	RunE: func(cmd *cobra.Command, _ []string) error {
		a, err := openApp(false)
		if err != nil {
			return err
		}
		defer a.Close()

		records, err := a.engine.Presence(cmd.Context())
		if err != nil {
			return err
		}
		if structured() {
			return emit(cmd.OutOrStdout(), records)
		}
		now := time.Now()
		rows := make([][]string, 0, len(records))
		for _, r := range records {
			state := ui.OK.Render("online")
			switch {
			case !r.IsOnline:
				state = ui.Muted.Render("offline")
			case derived.Stale(r, now, cfg.Presence.TTL):
				state = ui.Warn.Render("away")
			}
			rows = append(rows, []string{r.UserID, state, ui.Ago(r.LastSeen, now), r.CurrentProjectID})
		}
		if len(rows) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), ui.Muted.Render("Nobody has been seen yet."))
			return nil
		}
		fmt.Fprintln(cmd.OutOrStdout(), ui.Table([]string{"User", "State", "Last seen", "Project"}, rows))
		return nil
	},
}

var conflictsCmd = &cobra.Command{
	Use:     "conflicts",
	GroupID: "views",
	Short:   "Show recent merge conflicts",
	Long: `Show recent merge conflicts: two different states of an entity at the
same version. Each is printed as a diff from the losing state to the
winner.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		a, err := openApp(false)
		if err != nil {
			return err
		}
		defer a.Close()

		limit, _ := cmd.Flags().GetInt("limit")
		recs, err := a.engine.Conflicts(cmd.Context(), limit)
		if err != nil {
			return err
		}
		if structured() {
			return emit(cmd.OutOrStdout(), recs)
		}
		if len(recs) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), ui.OK.Render("No conflicts recorded."))
			return nil
		}
		now := time.Now()
		w := cmd.OutOrStdout()
		for _, rec := range recs {
			winner, loser := rec.Candidate, rec.Current
			switch {
			case rec.Current.Source == rec.Candidate.Source:
				if rec.Current.CompareContent(rec.Candidate) > 0 {
					winner, loser = loser, winner
				}
			case rec.Winner == rec.Current.Source:
				winner, loser = loser, winner
			}
			fmt.Fprintf(w, "%s %s  %s wins over %s  (%s)\n",
				ui.Warn.Render("⚠"), ui.Title.Render(rec.Key().String()),
				winner.Source, loser.Source, ui.Ago(rec.DetectedAt, now))
			diff, err := ui.Diff(loser.Data, winner.Data, "lost ("+string(loser.Source)+")", "kept ("+string(winner.Source)+")")
			if err != nil {
				warnf("%s: %v", rec.Key(), err)
				continue
			}
			fmt.Fprintln(w, diff)
		}
		return nil
	},
}

func init() {
	feedCmd.Flags().Int("limit", 20, "maximum number of items")
	feedCmd.Flags().Bool("mine", false, "only items you made or were nudged in")
	conflictsCmd.Flags().Int("limit", 10, "maximum number of conflicts")
	rootCmd.AddCommand(feedCmd, milestonesCmd, blockedCmd, presenceCmd, conflictsCmd)
}
