package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/mschirtzinger/huddle/internal/mutation"
	"github.com/mschirtzinger/huddle/internal/schema"
	"github.com/mschirtzinger/huddle/internal/ui"
)

var taskCmd = &cobra.Command{
	Use:     "task",
	GroupID: "edit",
	Short:   "Change tasks",
	Long: `Change a task. The change is visible locally right away and is rolled
back if the server rejects it.`,
}

var taskSetStatusCmd = &cobra.Command{
	Use:   "set-status <task> [status]",
	Short: "Move a task to another status",
	Long: `Move a task to TODO, IN_PROGRESS, CRITICAL, DONE or BACKLOG.

Without a status argument the status is picked interactively when stdin is
a terminal.`,
	Args: cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		var status schema.TaskStatus
		if len(args) == 2 {
			status = schema.TaskStatus(strings.ToUpper(args[1]))
		} else {
			picked, err := pickStatus(args[0])
			if err != nil {
				return err
			}
			status = picked
		}
		if !status.Valid() {
			return fmt.Errorf("unknown status %q", status)
		}
		return updateTask(cmd, args[0], schema.TaskPatch{Status: &status})
	},
}

var taskAssignCmd = &cobra.Command{
	Use:   "assign <task> <user>",
	Short: "Assign a task (use - to unassign)",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		user := args[1]
		if user == "-" {
			user = ""
		}
		return updateTask(cmd, args[0], schema.TaskPatch{AssignedTo: &user})
	},
}

var taskBlockCmd = &cobra.Command{
	Use:   "block <task> <reason>...",
	Short: "Flag a task as blocked",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		reason := strings.Join(args[1:], " ")
		return updateTask(cmd, args[0], schema.TaskPatch{BlockerReason: &reason})
	},
}

var taskUnblockCmd = &cobra.Command{
	Use:   "unblock <task>",
	Short: "Clear a task's blocker",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		empty := ""
		return updateTask(cmd, args[0], schema.TaskPatch{BlockerReason: &empty})
	},
}

var taskDueCmd = &cobra.Command{
	Use:   "due <task> <when>...",
	Short: "Set or clear a task's due date",
	Long: `Set a task's due date. The date may be written as 2026-05-01, as an
RFC 3339 timestamp or in plain English ("next friday at 5pm", "in 3 days").
Use "none" to clear it.`,
	Args: cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		text := strings.Join(args[1:], " ")
		if strings.EqualFold(text, "none") {
			return updateTask(cmd, args[0], schema.TaskPatch{ClearDueDate: true})
		}
		due, err := parseDue(text, time.Now())
		if err != nil {
			return err
		}
		return updateTask(cmd, args[0], schema.TaskPatch{DueDate: &due})
	},
}

var commentCmd = &cobra.Command{
	Use:     "comment <task> <text>...",
	GroupID: "edit",
	Short:   "Comment on a task",
	Args:    cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return postOnTask(cmd, args[0], schema.Comment{TaskID: args[0], Body: strings.Join(args[1:], " ")})
	},
}

var nudgeCmd = &cobra.Command{
	Use:     "nudge <task> <user> [message]...",
	GroupID: "edit",
	Short:   "Send a friendly nudge about a task",
	Args:    cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return postOnTask(cmd, args[0], schema.FriendlyNudge{
			TaskID:       args[0],
			TargetUserID: args[1],
			Message:      strings.Join(args[2:], " "),
		})
	},
}

var mutationsCmd = &cobra.Command{
	Use:     "mutations",
	GroupID: "edit",
	Short:   "List local changes and their sync status",
	RunE: func(cmd *cobra.Command, _ []string) error {
		a, err := openApp(false)
		if err != nil {
			return err
		}
		defer a.Close()

		var statuses []schema.MutationStatus
		if s, _ := cmd.Flags().GetString("status"); s != "" {
			statuses = append(statuses, schema.MutationStatus(strings.ToUpper(s)))
		}
		muts, err := a.store.ListMutations(cmd.Context(), statuses...)
		if err != nil {
			return err
		}
		if structured() {
			return emit(cmd.OutOrStdout(), muts)
		}
		if len(muts) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), ui.Muted.Render("No local changes."))
			return nil
		}
		now := time.Now()
		rows := make([][]string, 0, len(muts))
		for _, m := range muts {
			rows = append(rows, []string{
				shortID(m.ID), string(m.Op), string(m.EntityKind) + ":" + m.EntityID,
				ui.MutationStatus(m.Status), fmt.Sprint(m.Attempts), ui.Ago(m.UpdatedAt, now), m.LastError,
			})
		}
		fmt.Fprintln(cmd.OutOrStdout(), ui.Table([]string{"ID", "Op", "Entity", "Status", "Tries", "Updated", "Error"}, rows))
		return nil
	},
}

var mutationsRetryCmd = &cobra.Command{
	Use:   "retry <id>",
	Short: "Resubmit a failed change",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return submit(cmd, func(ctx context.Context, a *app, s *mutation.Submitter) (*schema.PendingMutation, error) {
			id, err := resolveMutationID(ctx, a, args[0])
			if err != nil {
				return nil, err
			}
			return s.Retry(ctx, id)
		})
	},
}

func init() {
	taskCmd.PersistentFlags().Duration("wait", 30*time.Second, "how long to wait for the server to confirm")
	taskCmd.AddCommand(taskSetStatusCmd, taskAssignCmd, taskBlockCmd, taskUnblockCmd, taskDueCmd)
	commentCmd.Flags().Duration("wait", 30*time.Second, "how long to wait for the server to confirm")
	nudgeCmd.Flags().Duration("wait", 30*time.Second, "how long to wait for the server to confirm")
	mutationsCmd.Flags().String("status", "", "only show changes in this status")
	mutationsRetryCmd.Flags().Duration("wait", 30*time.Second, "how long to wait for the server to confirm")
	mutationsCmd.AddCommand(mutationsRetryCmd)
	rootCmd.AddCommand(taskCmd, commentCmd, nudgeCmd, mutationsCmd)
}

func updateTask(cmd *cobra.Command, taskID string, patch schema.TaskPatch) error {
	return submit(cmd, func(ctx context.Context, a *app, s *mutation.Submitter) (*schema.PendingMutation, error) {
		projectID, err := taskProject(ctx, a, taskID)
		if err != nil {
			return nil, err
		}
		return s.UpdateTask(ctx, a.actor(), projectID, taskID, patch)
	})
}

func postOnTask(cmd *cobra.Command, taskID string, detail schema.ActivityDetail) error {
	return submit(cmd, func(ctx context.Context, a *app, s *mutation.Submitter) (*schema.PendingMutation, error) {
		projectID, err := taskProject(ctx, a, taskID)
		if err != nil {
			return nil, err
		}
		return s.PostActivity(ctx, a.actor(), projectID, detail)
	})
}

// submit runs one change through a short-lived submitter and waits for the
// server's answer. A change still unconfirmed when --wait runs out is
// marked FAILED and can be resubmitted with 'huddle mutations retry'.
func submit(cmd *cobra.Command, fn func(context.Context, *app, *mutation.Submitter) (*schema.PendingMutation, error)) error {
	ctx, cancel := commandContext(cmd.Context())
	defer cancel()
	if wait, _ := cmd.Flags().GetDuration("wait"); wait > 0 {
		ctx, cancel = context.WithTimeout(ctx, wait)
		defer cancel()
	}

	a, err := openApp(true)
	if err != nil {
		return err
	}
	defer a.Close()
	s := a.submitter()
	defer s.Close()

	m, err := fn(ctx, a, s)
	if err != nil {
		return err
	}
	final, err := s.Wait(ctx, m.ID)
	if err != nil {
		return fmt.Errorf("change %s not confirmed: %w", shortID(m.ID), err)
	}
	if structured() {
		return emit(cmd.OutOrStdout(), final)
	}
	if final.Status == schema.MutationFailed {
		return fmt.Errorf("change %s rejected: %s", shortID(final.ID), final.LastError)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s %s %s:%s (%s)\n",
		ui.OK.Render("✓"), final.Op, final.EntityKind, final.EntityID, ui.MutationStatus(final.Status))
	return nil
}

func taskProject(ctx context.Context, a *app, taskID string) (string, error) {
	row, err := a.store.GetContext(ctx, schema.KindTask, taskID)
	if err != nil {
		return "", fmt.Errorf("task %s: %w (run 'huddle sync' first?)", taskID, err)
	}
	if row.Deleted {
		return "", fmt.Errorf("%w: task %s was deleted", schema.ErrNotFound, taskID)
	}
	return row.ProjectID, nil
}

// resolveMutationID accepts a full id or a unique prefix.
func resolveMutationID(ctx context.Context, a *app, prefix string) (string, error) {
	muts, err := a.store.ListMutations(ctx)
	if err != nil {
		return "", err
	}
	var match string
	for _, m := range muts {
		if m.ID == prefix {
			return m.ID, nil
		}
		if strings.HasPrefix(m.ID, prefix) {
			if match != "" {
				return "", fmt.Errorf("%w: %q matches more than one change", schema.ErrValidation, prefix)
			}
			match = m.ID
		}
	}
	if match == "" {
		return "", fmt.Errorf("%w: no change %q", schema.ErrNotFound, prefix)
	}
	return match, nil
}

func pickStatus(taskID string) (schema.TaskStatus, error) {
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return "", fmt.Errorf("status is required when stdin is not a terminal")
	}
	var status schema.TaskStatus
	opts := make([]huh.Option[schema.TaskStatus], 0, len(schema.TaskStatuses))
	for _, s := range schema.TaskStatuses {
		opts = append(opts, huh.NewOption(string(s), s))
	}
	form := huh.NewForm(huh.NewGroup(
		huh.NewSelect[schema.TaskStatus]().
			Title("New status for " + taskID).
			Options(opts...).
			Value(&status),
	))
	if err := form.Run(); err != nil {
		return "", err
	}
	return status, nil
}

// parseDue reads an absolute date or a natural-language expression
// relative to now.
func parseDue(text string, now time.Time) (time.Time, error) {
	for _, layout := range []string{time.RFC3339, "2006-01-02"} {
		if t, err := time.ParseInLocation(layout, text, now.Location()); err == nil {
			return t.UTC(), nil
		}
	}
	w := when.New(nil)
	w.Add(en.All...)
	w.Add(common.All...)
	r, err := w.Parse(text, now)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse due date %q: %w", text, err)
	}
	if r == nil {
		return time.Time{}, fmt.Errorf("%w: cannot read %q as a date", schema.ErrValidation, text)
	}
	return r.Time.UTC(), nil
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
