package mutation

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/mschirtzinger/huddle/internal/merge"
	"github.com/mschirtzinger/huddle/internal/schema"
	"github.com/mschirtzinger/huddle/internal/store"
)

var t0 = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

var (
	member = Actor{ID: "u-1", Role: schema.RoleMember}
	viewer = Actor{ID: "u-2", Role: schema.RoleViewer}
)

// fakeRemote applies task patches to an in-memory copy and echoes the
// result one second newer.
type fakeRemote struct {
	mu       sync.Mutex
	tasks    map[string]schema.Task
	order    []string
	inFlight map[string]int
	maxIn    map[string]int
	fail     error
	block    chan struct{}
}

func newFakeRemote(tasks ...schema.Task) *fakeRemote {
	f := &fakeRemote{tasks: map[string]schema.Task{}, inFlight: map[string]int{}, maxIn: map[string]int{}}
	for _, t := range tasks {
		f.tasks[t.ID] = t
	}
	return f
}

func (f *fakeRemote) Submit(ctx context.Context, m *schema.PendingMutation) (schema.Candidate, error) {
	f.mu.Lock()
	f.inFlight[m.EntityID]++
	if f.inFlight[m.EntityID] > f.maxIn[m.EntityID] {
		f.maxIn[m.EntityID] = f.inFlight[m.EntityID]
	}
	block, fail := f.block, f.fail
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		f.inFlight[m.EntityID]--
		f.mu.Unlock()
	}()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return schema.Candidate{}, ctx.Err()
		}
	} else {
		time.Sleep(time.Millisecond)
	}
	if fail != nil {
		return schema.Candidate{}, fail
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.order = append(f.order, m.ID)
	switch m.Op {
	case schema.OpTaskUpdate:
		patch, err := m.TaskPatch()
		if err != nil {
			return schema.Candidate{}, err
		}
		task := patch.Apply(f.tasks[m.EntityID])
		task.UpdatedAt = task.UpdatedAt.Add(time.Second)
		f.tasks[task.ID] = task
		return schema.NewCandidate(&task, schema.SourceLocalConfirm)
	default:
		item, err := m.Activity()
		if err != nil {
			return schema.Candidate{}, err
		}
		return schema.NewCandidate(item, schema.SourceLocalConfirm)
	}
}

func baseTask(id string) schema.Task {
	return schema.Task{ID: id, ProjectID: "p-1", Title: "Task " + id, Status: schema.StatusTodo,
		Priority: schema.PriorityMedium, UpdatedAt: t0}
}

func setup(t *testing.T, remote Remote, tasks ...schema.Task) (*Submitter, *store.Store) {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "mutation.db"))
	if err != nil {
		t.Fatalf("store.Open() failed: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	a := merge.New(s, merge.Config{})
	for _, task := range tasks {
		c, err := schema.NewCandidate(&task, schema.SourcePull)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := a.Apply(context.Background(), c); err != nil {
			t.Fatal(err)
		}
	}

	sub := New(a, remote, Config{})
	t.Cleanup(func() { _ = sub.Close() })
	return sub, s
}

func visibleStatus(t *testing.T, s *store.Store, id string) schema.TaskStatus {
	t.Helper()
	row, err := s.Get(schema.KindTask, id)
	if err != nil {
		t.Fatalf("Get(%s) failed: %v", id, err)
	}
	e, err := row.Decode()
	if err != nil {
		t.Fatal(err)
	}
	return e.(*schema.Task).Status
}

func TestSubmit_Confirms(t *testing.T) {
	remote := newFakeRemote(baseTask("t-1"))
	sub, s := setup(t, remote, baseTask("t-1"))
	ctx := context.Background()

	done := schema.StatusDone
	m, err := sub.UpdateTask(ctx, member, "p-1", "t-1", schema.TaskPatch{Status: &done})
	if err != nil {
		t.Fatalf("UpdateTask() failed: %v", err)
	}
	got, err := sub.Wait(ctx, m.ID)
	if err != nil {
		t.Fatalf("Wait() failed: %v", err)
	}
	if got.Status != schema.MutationConfirmed || got.Attempts != 1 {
		t.Errorf("mutation = %s attempts=%d, want CONFIRMED after 1", got.Status, got.Attempts)
	}

	row, err := s.Get(schema.KindTask, "t-1")
	if err != nil {
		t.Fatal(err)
	}
	if row.Optimistic() || row.Source != schema.SourceLocalConfirm {
		t.Errorf("row = pending %q source %s, want confirmed echo", row.PendingMutationID, row.Source)
	}
	if visibleStatus(t, s, "t-1") != schema.StatusDone {
		t.Error("confirmed status not visible")
	}
}

func TestSubmit_PermissionDeniedLocally(t *testing.T) {
	sub, s := setup(t, newFakeRemote(), baseTask("t-1"))
	ctx := context.Background()

	done := schema.StatusDone
	_, err := sub.UpdateTask(ctx, viewer, "p-1", "t-1", schema.TaskPatch{Status: &done})
	if !errors.Is(err, schema.ErrPermission) {
		t.Fatalf("error = %v, want ErrPermission", err)
	}
	if visibleStatus(t, s, "t-1") != schema.StatusTodo {
		t.Error("denied mutation was applied")
	}
	all, err := s.ListMutations(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 0 {
		t.Errorf("%d mutations stored, want 0", len(all))
	}
}

func TestSubmit_RemoteRejectionRevertsVisibleState(t *testing.T) {
	remote := newFakeRemote(baseTask("t-1"))
	remote.fail = fmt.Errorf("submit: %w", schema.ErrPermission)
	remote.block = make(chan struct{})
	sub, s := setup(t, remote, baseTask("t-1"))
	ctx := context.Background()

	inProgress := schema.StatusInProgress
	m, err := sub.UpdateTask(ctx, member, "p-1", "t-1", schema.TaskPatch{Status: &inProgress})
	if err != nil {
		t.Fatalf("UpdateTask() failed: %v", err)
	}
	if visibleStatus(t, s, "t-1") != schema.StatusInProgress {
		t.Error("optimistic status not visible while in flight")
	}
	close(remote.block)

	got, err := sub.Wait(ctx, m.ID)
	if err != nil {
		t.Fatalf("Wait() failed: %v", err)
	}
	if got.Status != schema.MutationFailed {
		t.Errorf("status = %s, want FAILED", got.Status)
	}
	if visibleStatus(t, s, "t-1") != schema.StatusTodo {
		t.Error("failed mutation still visible")
	}
}

func TestSubmit_SerializesPerEntity(t *testing.T) {
	remote := newFakeRemote(baseTask("t-1"), baseTask("t-2"))
	sub, s := setup(t, remote, baseTask("t-1"), baseTask("t-2"))
	ctx := context.Background()

	var ids []string
	for i := 0; i < 5; i++ {
		for _, task := range []string{"t-1", "t-2"} {
			title := fmt.Sprintf("%s rev %d", task, i)
			m, err := sub.UpdateTask(ctx, member, "p-1", task, schema.TaskPatch{Title: &title})
			if err != nil {
				t.Fatal(err)
			}
			ids = append(ids, m.ID)
		}
	}
	for _, id := range ids {
		if m, err := sub.Wait(ctx, id); err != nil || m.Status != schema.MutationConfirmed {
			t.Fatalf("Wait(%s) = %+v, %v", id, m, err)
		}
	}

	remote.mu.Lock()
	defer remote.mu.Unlock()
	for task, n := range remote.maxIn {
		if n != 1 {
			t.Errorf("%s had %d submits in flight, want 1", task, n)
		}
	}
	// Per-entity submission order matches creation order.
	pos := map[string]int{}
	for i, id := range remote.order {
		pos[id] = i
	}
	for i := 2; i < len(ids); i++ {
		if pos[ids[i]] < pos[ids[i-2]] {
			t.Errorf("%s submitted before earlier mutation %s", ids[i], ids[i-2])
		}
	}

	row, err := s.Get(schema.KindTask, "t-1")
	if err != nil {
		t.Fatal(err)
	}
	e, _ := row.Decode()
	if got := e.(*schema.Task).Title; got != "t-1 rev 4" {
		t.Errorf("title = %q, want last revision", got)
	}
}

func TestSubmit_CancelledContextFails(t *testing.T) {
	remote := newFakeRemote(baseTask("t-1"))
	remote.block = make(chan struct{})
	sub, s := setup(t, remote, baseTask("t-1"))

	ctx, cancel := context.WithCancel(context.Background())
	done := schema.StatusDone
	m, err := sub.UpdateTask(ctx, member, "p-1", "t-1", schema.TaskPatch{Status: &done})
	if err != nil {
		t.Fatal(err)
	}
	cancel()

	got, err := sub.Wait(context.Background(), m.ID)
	if err != nil {
		t.Fatalf("Wait() failed: %v", err)
	}
	if got.Status != schema.MutationFailed {
		t.Errorf("status = %s, want FAILED", got.Status)
	}
	if visibleStatus(t, s, "t-1") != schema.StatusTodo {
		t.Error("cancelled mutation still visible")
	}
}

func TestResume_ResubmitsInFlight(t *testing.T) {
	remote := newFakeRemote(baseTask("t-1"))
	sub, s := setup(t, remote, baseTask("t-1"))
	ctx := context.Background()

	done := schema.StatusDone
	m, err := schema.NewTaskUpdate("m-crashed", 0, "p-1", "t-1", schema.TaskPatch{Status: &done}, t0)
	if err != nil {
		t.Fatal(err)
	}
	// Simulate a previous process that died mid-flight.
	if err := sub.applier.ApplyOptimistic(ctx, m); err != nil {
		t.Fatal(err)
	}
	if err := m.Transition(schema.MutationInFlight, t0); err != nil {
		t.Fatal(err)
	}
	if err := s.UpdateMutation(ctx, m); err != nil {
		t.Fatal(err)
	}

	n, err := sub.Resume(ctx)
	if err != nil || n != 1 {
		t.Fatalf("Resume() = %d, %v", n, err)
	}
	got, err := sub.Wait(ctx, "m-crashed")
	if err != nil || got.Status != schema.MutationConfirmed {
		t.Fatalf("Wait() = %+v, %v", got, err)
	}
}

func TestRetry_AfterFailure(t *testing.T) {
	remote := newFakeRemote(baseTask("t-1"))
	remote.fail = schema.ErrTransientNetwork
	sub, s := setup(t, remote, baseTask("t-1"))
	ctx := context.Background()

	done := schema.StatusDone
	m, err := sub.UpdateTask(ctx, member, "p-1", "t-1", schema.TaskPatch{Status: &done})
	if err != nil {
		t.Fatal(err)
	}
	failed, err := sub.Wait(ctx, m.ID)
	if err != nil || failed.Status != schema.MutationFailed {
		t.Fatalf("Wait() = %+v, %v", failed, err)
	}

	remote.mu.Lock()
	remote.fail = nil
	remote.mu.Unlock()

	retried, err := sub.Retry(ctx, m.ID)
	if err != nil {
		t.Fatalf("Retry() failed: %v", err)
	}
	if retried.Seq <= failed.Seq {
		t.Errorf("retry seq %d, want after %d", retried.Seq, failed.Seq)
	}
	got, err := sub.Wait(ctx, m.ID)
	if err != nil || got.Status != schema.MutationConfirmed || got.Attempts != 2 {
		t.Fatalf("Wait() = %+v, %v, want CONFIRMED after 2 attempts", got, err)
	}
	if visibleStatus(t, s, "t-1") != schema.StatusDone {
		t.Error("retried status not visible")
	}

	if _, err := sub.Retry(ctx, m.ID); !errors.Is(err, schema.ErrValidation) {
		t.Errorf("Retry(confirmed) error = %v, want ErrValidation", err)
	}
}

func TestPostActivity_Nudge(t *testing.T) {
	remote := newFakeRemote()
	sub, s := setup(t, remote)
	ctx := context.Background()

	m, err := sub.PostActivity(ctx, member, "p-1", schema.FriendlyNudge{TaskID: "t-1", TargetUserID: "u-3"})
	if err != nil {
		t.Fatalf("PostActivity() failed: %v", err)
	}
	if got, err := sub.Wait(ctx, m.ID); err != nil || got.Status != schema.MutationConfirmed {
		t.Fatalf("Wait() = %+v, %v", got, err)
	}
	row, err := s.Get(schema.KindActivity, m.EntityID)
	if err != nil {
		t.Fatalf("activity not stored: %v", err)
	}
	if row.Optimistic() {
		t.Error("activity still optimistic after confirm")
	}
}

func TestSubmit_AfterClose(t *testing.T) {
	sub, _ := setup(t, newFakeRemote(), baseTask("t-1"))
	if err := sub.Close(); err != nil {
		t.Fatal(err)
	}
	done := schema.StatusDone
	if _, err := sub.UpdateTask(context.Background(), member, "p-1", "t-1", schema.TaskPatch{Status: &done}); !errors.Is(err, ErrClosed) {
		t.Errorf("error = %v, want ErrClosed", err)
	}
}
