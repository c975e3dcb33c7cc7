package store

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/mschirtzinger/huddle/internal/schema"
)

// openTestStore opens a store in a temporary directory.
func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func taskRow(t *testing.T, id, projectID string, at time.Time) *Row {
	t.Helper()
	cand, err := schema.NewCandidate(&schema.Task{
		ID:        id,
		ProjectID: projectID,
		Title:     "Task " + id,
		Status:    schema.StatusTodo,
		Priority:  schema.PriorityMedium,
		UpdatedAt: at,
	}, schema.SourcePull)
	if err != nil {
		t.Fatalf("NewCandidate() failed: %v", err)
	}
	return &Row{Candidate: cand}
}

func TestOpen_CreatesTables(t *testing.T) {
	s := openTestStore(t)

	tables := []string{"entities", "pending_mutations", "subscriptions", "scheduler_state", "risk_levels", "conflicts"}
	for _, table := range tables {
		var count int
		err := s.conn.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?`, table).Scan(&count)
		if err != nil {
			t.Fatalf("Failed to query table %s: %v", table, err)
		}
		if count != 1 {
			t.Errorf("Table %s does not exist", table)
		}
	}

	if err := s.InitSchema(); err != nil {
		t.Errorf("Second InitSchema() failed: %v", err)
	}
}

func TestOpen_PathsWithURIMetacharacters(t *testing.T) {
	root := t.TempDir()
	paths := []string{
		filepath.Join(root, "team#1", "huddle.db"),
		filepath.Join(root, "team#2", "huddle.db"),
		filepath.Join(root, "what?", "huddle.db"),
	}
	stores := make([]*Store, len(paths))
	for i, p := range paths {
		s, err := Open(p)
		if err != nil {
			t.Fatalf("Open(%q) failed: %v", p, err)
		}
		t.Cleanup(func() { _ = s.Close() })
		stores[i] = s
	}

	ctx := context.Background()
	if err := stores[0].SetState(ctx, "k", "from-store-0"); err != nil {
		t.Fatalf("SetState() failed: %v", err)
	}
	for i, s := range stores[1:] {
		if _, ok, err := s.GetState(ctx, "k"); err != nil || ok {
			t.Errorf("store %d sees state written to store 0 (ok=%v, err=%v)", i+1, ok, err)
		}
	}
	for _, p := range paths {
		if _, err := os.Stat(p); err != nil {
			t.Errorf("database file %q not created: %v", p, err)
		}
	}
}

func TestPutGet_RoundTrip(t *testing.T) {
	s := openTestStore(t)
	at := time.Date(2026, 4, 2, 9, 30, 0, 123456789, time.UTC)

	row := taskRow(t, "t-1", "p-1", at)
	if err := s.Put(row); err != nil {
		t.Fatalf("Put() failed: %v", err)
	}

	got, err := s.Get(schema.KindTask, "t-1")
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if !got.UpdatedAt.Equal(at) {
		t.Errorf("UpdatedAt = %v, want %v (sub-second precision must survive)", got.UpdatedAt, at)
	}
	if got.ProjectID != "p-1" || got.Source != schema.SourcePull {
		t.Errorf("row = %+v", got)
	}
	if !got.SameContent(row.Candidate) {
		t.Error("stored data differs from written data")
	}
	if got.Optimistic() {
		t.Error("plain row reported as optimistic")
	}
	if acc := got.Accepted(); acc == nil || !acc.UpdatedAt.Equal(at) {
		t.Errorf("Accepted() = %+v", acc)
	}
}

func TestGet_NotFound(t *testing.T) {
	s := openTestStore(t)
	_, err := s.Get(schema.KindTask, "missing")
	if !errors.Is(err, schema.ErrNotFound) {
		t.Errorf("Get() error = %v, want ErrNotFound", err)
	}
}

func TestPut_OverlayKeepsConfirmed(t *testing.T) {
	s := openTestStore(t)
	at := time.Now().UTC()

	base := taskRow(t, "t-1", "p-1", at)
	overlay := taskRow(t, "t-1", "p-1", at)
	overlay.Source = schema.SourceLocal
	overlay.PendingMutationID = "m-1"
	overlay.Confirmed = &base.Candidate

	if err := s.Put(overlay); err != nil {
		t.Fatalf("Put() failed: %v", err)
	}
	got, err := s.Get(schema.KindTask, "t-1")
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if !got.Optimistic() || got.PendingMutationID != "m-1" {
		t.Errorf("PendingMutationID = %q", got.PendingMutationID)
	}
	if got.Confirmed == nil || got.Confirmed.Source != schema.SourcePull {
		t.Fatalf("Confirmed = %+v", got.Confirmed)
	}
	if got.Accepted() != got.Confirmed {
		t.Error("Accepted() should return the confirmed state under an overlay")
	}
}

func TestList_SkipsTombstonesAndFiltersProject(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	at := time.Now().UTC()

	for _, r := range []*Row{
		taskRow(t, "t-1", "p-1", at),
		taskRow(t, "t-2", "p-1", at),
		taskRow(t, "t-3", "p-2", at),
		{Candidate: schema.Tombstone(schema.KindTask, "t-4", "p-1", at, schema.SourceEvent)},
	} {
		if err := s.PutContext(ctx, r); err != nil {
			t.Fatalf("Put() failed: %v", err)
		}
	}

	rows, err := s.List(schema.KindTask, "p-1")
	if err != nil {
		t.Fatalf("List() failed: %v", err)
	}
	if len(rows) != 2 || rows[0].ID != "t-1" || rows[1].ID != "t-2" {
		t.Errorf("List(p-1) = %d rows", len(rows))
	}

	all, err := s.List(schema.KindTask, "")
	if err != nil {
		t.Fatalf("List() failed: %v", err)
	}
	if len(all) != 3 {
		t.Errorf("List(all) = %d rows, want 3", len(all))
	}

	withTombstones, err := s.ListAll(ctx, schema.KindTask)
	if err != nil {
		t.Fatalf("ListAll() failed: %v", err)
	}
	if len(withTombstones) != 4 {
		t.Errorf("ListAll() = %d rows, want 4", len(withTombstones))
	}

	live, dead, err := s.Counts(ctx)
	if err != nil {
		t.Fatalf("Counts() failed: %v", err)
	}
	if live[schema.KindTask] != 3 || dead[schema.KindTask] != 1 {
		t.Errorf("Counts() = %v, %v", live, dead)
	}
}

func TestSubscribe_NotifiesAfterCommit(t *testing.T) {
	s := openTestStore(t)

	var (
		mu      sync.Mutex
		changes []Change
	)
	unsubscribe := s.Subscribe(func(c Change) {
		mu.Lock()
		changes = append(changes, c)
		mu.Unlock()
	})

	if err := s.Put(taskRow(t, "t-1", "p-1", time.Now())); err != nil {
		t.Fatalf("Put() failed: %v", err)
	}
	if err := s.Delete(schema.KindTask, "t-1"); err != nil {
		t.Fatalf("Delete() failed: %v", err)
	}
	// Deleting a missing row is not a change.
	if err := s.Delete(schema.KindTask, "t-1"); err != nil {
		t.Fatalf("Delete() failed: %v", err)
	}

	unsubscribe()
	if err := s.Put(taskRow(t, "t-2", "p-1", time.Now())); err != nil {
		t.Fatalf("Put() failed: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(changes) != 2 {
		t.Fatalf("got %d changes, want 2: %+v", len(changes), changes)
	}
	if changes[0].ID != "t-1" || changes[0].Deleted || changes[0].ProjectID != "p-1" {
		t.Errorf("first change = %+v", changes[0])
	}
	if !changes[1].Deleted || changes[1].ProjectID != "p-1" {
		t.Errorf("second change = %+v", changes[1])
	}
}

func TestSubscribe_ReportsProjectMove(t *testing.T) {
	s := openTestStore(t)
	at := time.Now()
	if err := s.Put(taskRow(t, "t-1", "p-1", at)); err != nil {
		t.Fatalf("Put() failed: %v", err)
	}

	var got []Change
	s.Subscribe(func(c Change) { got = append(got, c) })

	if err := s.Put(taskRow(t, "t-1", "p-2", at.Add(time.Minute))); err != nil {
		t.Fatalf("Put() failed: %v", err)
	}
	if err := s.Put(taskRow(t, "t-1", "p-2", at.Add(2*time.Minute))); err != nil {
		t.Fatalf("Put() failed: %v", err)
	}

	if len(got) != 2 {
		t.Fatalf("got %d changes, want 2", len(got))
	}
	if got[0].ProjectID != "p-2" || got[0].PrevProjectID != "p-1" {
		t.Errorf("move change = %+v, want p-1 -> p-2", got[0])
	}
	if got[1].PrevProjectID != "" {
		t.Errorf("same-project change has PrevProjectID %q", got[1].PrevProjectID)
	}
}

func TestMutations_SeqAndStatusQueries(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()
	status := schema.StatusDone

	var ids []string
	for i, taskID := range []string{"t-1", "t-1", "t-2"} {
		m, err := schema.NewTaskUpdate("m-"+string(rune('a'+i)), 0, "p-1", taskID, schema.TaskPatch{Status: &status}, now)
		if err != nil {
			t.Fatalf("NewTaskUpdate() failed: %v", err)
		}
		if err := s.InsertMutation(ctx, m); err != nil {
			t.Fatalf("InsertMutation() failed: %v", err)
		}
		if m.Seq != int64(i+1) {
			t.Errorf("mutation %d seq = %d, want %d", i, m.Seq, i+1)
		}
		ids = append(ids, m.ID)
	}

	open, err := s.ListOpenMutations(ctx, schema.Key{Kind: schema.KindTask, ID: "t-1"})
	if err != nil {
		t.Fatalf("ListOpenMutations() failed: %v", err)
	}
	if len(open) != 2 || open[0].ID != ids[0] || open[1].ID != ids[1] {
		t.Fatalf("ListOpenMutations() = %v", open)
	}

	m := open[0]
	if err := m.Transition(schema.MutationInFlight, now); err != nil {
		t.Fatal(err)
	}
	if err := m.Transition(schema.MutationConfirmed, now); err != nil {
		t.Fatal(err)
	}
	if err := s.UpdateMutation(ctx, m); err != nil {
		t.Fatalf("UpdateMutation() failed: %v", err)
	}

	got, err := s.GetMutation(ctx, m.ID)
	if err != nil {
		t.Fatalf("GetMutation() failed: %v", err)
	}
	if got.Status != schema.MutationConfirmed || got.Seq != 1 {
		t.Errorf("GetMutation() = %+v", got)
	}

	pending, err := s.ListMutations(ctx, schema.MutationPending)
	if err != nil {
		t.Fatalf("ListMutations() failed: %v", err)
	}
	if len(pending) != 2 {
		t.Errorf("ListMutations(PENDING) = %d, want 2", len(pending))
	}

	pruned, err := s.PruneMutations(ctx, 0)
	if err != nil {
		t.Fatalf("PruneMutations() failed: %v", err)
	}
	if pruned != 1 {
		t.Errorf("PruneMutations() = %d, want 1", pruned)
	}

	if _, err := s.GetMutation(ctx, "nope"); !errors.Is(err, schema.ErrNotFound) {
		t.Errorf("GetMutation(missing) error = %v", err)
	}
}

func TestSubscriptionsAndState(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for _, id := range []string{"p-2", "p-1", "p-2"} {
		if err := s.AddSubscription(ctx, id); err != nil {
			t.Fatalf("AddSubscription() failed: %v", err)
		}
	}
	subs, err := s.Subscriptions(ctx)
	if err != nil {
		t.Fatalf("Subscriptions() failed: %v", err)
	}
	if len(subs) != 2 || subs[0] != "p-1" || subs[1] != "p-2" {
		t.Errorf("Subscriptions() = %v", subs)
	}
	if err := s.RemoveSubscription(ctx, "p-1"); err != nil {
		t.Fatalf("RemoveSubscription() failed: %v", err)
	}
	subs, _ = s.Subscriptions(ctx)
	if len(subs) != 1 {
		t.Errorf("Subscriptions() after remove = %v", subs)
	}

	if _, ok, err := s.GetState(ctx, "failures"); err != nil || ok {
		t.Errorf("GetState(unset) = ok %v, err %v", ok, err)
	}
	if err := s.SetState(ctx, "failures", "3"); err != nil {
		t.Fatalf("SetState() failed: %v", err)
	}
	if err := s.SetState(ctx, "failures", "4"); err != nil {
		t.Fatalf("SetState() failed: %v", err)
	}
	if v, ok, err := s.GetState(ctx, "failures"); err != nil || !ok || v != "4" {
		t.Errorf("GetState() = %q, %v, %v", v, ok, err)
	}

	levels := map[string]schema.RiskLevel{"t-1": schema.RiskCritical, "t-2": schema.RiskNormal}
	if err := s.ReplaceRiskLevels(ctx, levels, time.Now()); err != nil {
		t.Fatalf("ReplaceRiskLevels() failed: %v", err)
	}
	got, err := s.RiskLevels(ctx)
	if err != nil {
		t.Fatalf("RiskLevels() failed: %v", err)
	}
	if len(got) != 2 || got["t-1"] != schema.RiskCritical {
		t.Errorf("RiskLevels() = %v", got)
	}
}

func TestConflicts_NewestFirst(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	at := time.Now().UTC()

	for i := 0; i < 3; i++ {
		c := &ConflictRecord{
			Current:    taskRow(t, "t-1", "p-1", at).Candidate,
			Candidate:  taskRow(t, "t-1", "p-1", at).Candidate,
			Winner:     schema.SourceEvent,
			DetectedAt: at.Add(time.Duration(i) * time.Second),
		}
		if err := s.RecordConflict(ctx, c); err != nil {
			t.Fatalf("RecordConflict() failed: %v", err)
		}
	}

	got, err := s.Conflicts(ctx, 2)
	if err != nil {
		t.Fatalf("Conflicts() failed: %v", err)
	}
	if len(got) != 2 || got[0].Seq <= got[1].Seq {
		t.Fatalf("Conflicts() = %+v", got)
	}
	if got[0].Key() != (schema.Key{Kind: schema.KindTask, ID: "t-1"}) {
		t.Errorf("Key() = %v", got[0].Key())
	}
}
