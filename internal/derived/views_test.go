package derived

import (
	"errors"
	"testing"
	"time"

	"github.com/mschirtzinger/huddle/internal/schema"
)

var t0 = time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)

func task(id, milestone string, status schema.TaskStatus) *schema.Task {
	return &schema.Task{ID: id, ProjectID: "p-1", MilestoneID: milestone, Title: "Task " + id,
		Status: status, Priority: schema.PriorityMedium, UpdatedAt: t0}
}

func activity(t *testing.T, id, project, actor string, at time.Time, detail schema.ActivityDetail) *schema.ActivityItem {
	t.Helper()
	it, err := schema.NewActivity(id, project, actor, at, detail)
	if err != nil {
		t.Fatalf("NewActivity() failed: %v", err)
	}
	return it
}

func TestProgress(t *testing.T) {
	tests := []struct {
		name          string
		tasks         []*schema.Task
		wantProgress  float64
		wantCompleted bool
	}{
		{name: "no tasks", wantProgress: 0, wantCompleted: false},
		{
			name: "one of four done",
			tasks: []*schema.Task{
				task("t-1", "m-1", schema.StatusDone),
				task("t-2", "m-1", schema.StatusTodo),
				task("t-3", "m-1", schema.StatusInProgress),
				task("t-4", "m-1", schema.StatusBacklog),
			},
			wantProgress: 0.25,
		},
		{
			name: "all done",
			tasks: []*schema.Task{
				task("t-1", "m-1", schema.StatusDone),
				task("t-2", "m-1", schema.StatusDone),
			},
			wantProgress:  1,
			wantCompleted: true,
		},
		{
			name: "other milestones ignored",
			tasks: []*schema.Task{
				task("t-1", "m-1", schema.StatusDone),
				task("t-2", "m-2", schema.StatusTodo),
				task("t-3", "", schema.StatusTodo),
			},
			wantProgress:  1,
			wantCompleted: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, done := Progress(tt.tasks, "m-1")
			if got != tt.wantProgress || done != tt.wantCompleted {
				t.Errorf("Progress() = %v, %v; want %v, %v", got, done, tt.wantProgress, tt.wantCompleted)
			}
		})
	}
}

func TestSortFeed_TotalOrder(t *testing.T) {
	c := schema.Comment{Body: "x"}
	items := []*schema.ActivityItem{
		activity(t, "a-1", "p-1", "u-1", t0, c),
		activity(t, "a-3", "p-1", "u-1", t0, c),
		activity(t, "a-0", "p-1", "u-1", t0.Add(time.Minute), c),
		activity(t, "a-2", "p-1", "u-1", t0, c),
	}
	want := []string{"a-0", "a-3", "a-2", "a-1"}

	for round := 0; round < 3; round++ {
		// Rotate the input so every round starts from a different order.
		items = append(items[1:], items[0])
		sorted := append([]*schema.ActivityItem(nil), items...)
		SortFeed(sorted)
		for i, it := range sorted {
			if it.ID != want[i] {
				t.Fatalf("round %d: position %d = %s, want %s", round, i, it.ID, want[i])
			}
		}
	}
}

func TestFilterFeed(t *testing.T) {
	items := []*schema.ActivityItem{
		activity(t, "a-1", "p-1", "u-1", t0, schema.Comment{Body: "one"}),
		activity(t, "a-2", "p-1", "u-2", t0.Add(time.Minute), schema.FriendlyNudge{TargetUserID: "u-1"}),
		activity(t, "a-3", "p-2", "u-1", t0.Add(2*time.Minute), schema.Comment{Body: "other project"}),
		activity(t, "a-4", "p-1", "u-2", t0.Add(3*time.Minute), schema.FileUploaded{FileID: "f", FileName: "plan.pdf"}),
	}

	tests := []struct {
		name string
		q    FeedQuery
		want []string
	}{
		{name: "global", q: FeedQuery{}, want: []string{"a-4", "a-3", "a-2", "a-1"}},
		{name: "project", q: FeedQuery{ProjectID: "p-1"}, want: []string{"a-4", "a-2", "a-1"}},
		{name: "user in project", q: FeedQuery{ProjectID: "p-1", UserID: "u-1"}, want: []string{"a-2", "a-1"}},
		{name: "limit", q: FeedQuery{Limit: 2}, want: []string{"a-4", "a-3"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := FilterFeed(items, tt.q)
			if len(got) != len(tt.want) {
				t.Fatalf("got %d items, want %d", len(got), len(tt.want))
			}
			for i := range got {
				if got[i].ID != tt.want[i] {
					t.Errorf("item %d = %s, want %s", i, got[i].ID, tt.want[i])
				}
			}
		})
	}
	if items[0].ID != "a-1" {
		t.Error("FilterFeed() reordered its input")
	}
}

func TestBlockedTasks(t *testing.T) {
	low := task("t-1", "", schema.StatusTodo)
	low.BlockerReason = "waiting"
	low.Priority = schema.PriorityLow
	crit := task("t-2", "", schema.StatusTodo)
	crit.BlockerReason = "outage"
	crit.Priority = schema.PriorityCritical
	free := task("t-3", "", schema.StatusTodo)

	got := BlockedTasks([]*schema.Task{low, free, crit})
	if len(got) != 2 || got[0].ID != "t-2" || got[1].ID != "t-1" {
		t.Errorf("BlockedTasks() = %v", got)
	}
}

func TestOnlineSnapshot(t *testing.T) {
	records := []*schema.PresenceRecord{
		{UserID: "u-1", IsOnline: true, LastSeen: t0},
		{UserID: "u-2", IsOnline: false, LastSeen: t0.Add(time.Hour)},
		{UserID: "u-3", IsOnline: true, LastSeen: t0.Add(time.Minute)},
	}
	got := OnlineSnapshot(records)
	if len(got) != 2 || got[0].UserID != "u-3" || got[1].UserID != "u-1" {
		t.Errorf("OnlineSnapshot() = %v", got)
	}
	if !Stale(got[1], t0.Add(10*time.Minute), 5*time.Minute) {
		t.Error("Stale() = false for a record last seen 10 minutes ago")
	}
}

func TestSummarize(t *testing.T) {
	details := []schema.ActivityDetail{
		schema.TaskCompleted{TaskID: "t-1", TaskTitle: "Ship"},
		schema.FileUploaded{FileID: "f-1", FileName: "a.png"},
		schema.BlockerFlagged{TaskID: "t-1", Reason: "vendor"},
		schema.FriendlyNudge{TargetUserID: "u-2"},
		schema.MilestoneCreated{MilestoneID: "m-1", Title: "Beta"},
		schema.Comment{Body: "hello"},
	}
	for _, d := range details {
		it := activity(t, "a-1", "p-1", "u-1", t0, d)
		s, err := Summarize(it)
		if err != nil || s == "" {
			t.Errorf("Summarize(%s) = %q, %v", d.ActivityKind(), s, err)
		}
	}

	bad := &schema.ActivityItem{ID: "a-x", ProjectID: "p-1", Kind: "POLL", Timestamp: t0}
	if _, err := Summarize(bad); !errors.Is(err, schema.ErrMalformedEntity) {
		t.Errorf("Summarize(unknown kind) error = %v", err)
	}
}
