package scheduler

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mschirtzinger/huddle/internal/notify"
	"github.com/mschirtzinger/huddle/internal/schema"
	"github.com/mschirtzinger/huddle/internal/store"
	hsync "github.com/mschirtzinger/huddle/internal/sync"
)

var now = time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)

type fakeSyncer struct {
	pullAll     atomic.Int32
	heartbeats  atomic.Int32
	mu          sync.Mutex
	pulled      []string
	pullErr     error
	presenceErr error
}

func (f *fakeSyncer) PullAll(context.Context) (hsync.Result, error) {
	f.pullAll.Add(1)
	return hsync.Result{Accepted: 1}, f.pullErr
}

func (f *fakeSyncer) PullProject(_ context.Context, id string) (hsync.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pulled = append(f.pulled, id)
	return hsync.Result{}, f.pullErr
}

func (f *fakeSyncer) Heartbeat(context.Context) error {
	f.heartbeats.Add(1)
	return f.presenceErr
}

type fakeTasks struct {
	mu    sync.Mutex
	tasks []*schema.Task
}

func (f *fakeTasks) Tasks(context.Context, string) ([]*schema.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tasks, nil
}

type recorder struct {
	mu  sync.Mutex
	got []notify.Notification
}

func (r *recorder) Notify(_ context.Context, n notify.Notification) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, n)
}

func (r *recorder) kinds() []notify.Kind {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []notify.Kind
	for _, n := range r.got {
		out = append(out, n.Kind)
	}
	return out
}

func openStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "scheduler.db"))
	if err != nil {
		t.Fatalf("store.Open() failed: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func testConfig() *Config {
	return &Config{
		FullPullInterval: time.Hour,
		PresenceInterval: time.Hour,
		RiskInterval:     time.Hour,
		FailureThreshold: 3,
		Retry:            RetryPolicy{MaxAttempts: 1},
		Now:              func() time.Time { return now },
	}
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestRegistry_OneSchedulePerTag(t *testing.T) {
	r := NewRegistry()
	job := func(context.Context) error { return nil }

	if !r.Register("a", time.Minute, RetryPolicy{}, job) {
		t.Fatal("first Register() = false")
	}
	if r.Register("a", time.Second, RetryPolicy{}, job) {
		t.Error("second Register() with the same tag = true")
	}
	if r.Trigger("missing") {
		t.Error("Trigger(missing) = true")
	}
	if !r.Trigger("a") || !r.Trigger("a") {
		t.Error("Trigger(a) = false")
	}
	if got := r.Tags(); len(got) != 1 || got[0] != "a" {
		t.Errorf("Tags() = %v", got)
	}
	if !r.Unregister("a") || r.Unregister("a") {
		t.Error("Unregister() should succeed exactly once")
	}
	if !r.Register("a", time.Minute, RetryPolicy{}, job) {
		t.Error("Register() after Unregister() = false")
	}
}

func TestEvaluateRisk(t *testing.T) {
	at := func(d time.Duration) *time.Time { v := now.Add(d); return &v }
	w := DefaultRiskWindows()

	tests := []struct {
		name    string
		status  schema.TaskStatus
		due     *time.Time
		blocker string
		want    schema.RiskLevel
	}{
		{name: "done overdue", status: schema.StatusDone, due: at(-time.Hour), want: schema.RiskNormal},
		{name: "overdue", status: schema.StatusTodo, due: at(-time.Hour), want: schema.RiskCritical},
		{name: "due in 12h", status: schema.StatusInProgress, due: at(12 * time.Hour), want: schema.RiskCritical},
		{name: "due in 48h", status: schema.StatusTodo, due: at(48 * time.Hour), want: schema.RiskWarning},
		{name: "due in 48h blocked", status: schema.StatusTodo, due: at(48 * time.Hour), blocker: "x", want: schema.RiskCritical},
		{name: "due in a week", status: schema.StatusTodo, due: at(7 * 24 * time.Hour), want: schema.RiskNormal},
		{name: "due in a week blocked", status: schema.StatusTodo, due: at(7 * 24 * time.Hour), blocker: "x", want: schema.RiskWarning},
		{name: "no due date", status: schema.StatusTodo, want: schema.RiskNormal},
		{name: "no due date blocked", status: schema.StatusTodo, blocker: "x", want: schema.RiskWarning},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			task := &schema.Task{ID: "t", Status: tt.status, DueDate: tt.due, BlockerReason: tt.blocker}
			if got := EvaluateRisk(task, now, w); got != tt.want {
				t.Errorf("EvaluateRisk() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestEvaluateRisks_NotifiesOnlyOnEscalation(t *testing.T) {
	st := openStore(t)
	due := now.Add(2 * time.Hour)
	task := &schema.Task{ID: "t-1", ProjectID: "p-1", Title: "Ship beta", Status: schema.StatusTodo, DueDate: &due}
	tasks := &fakeTasks{tasks: []*schema.Task{task}}
	rec := &recorder{}
	s := NewWithConfig(st, &fakeSyncer{}, tasks, rec, testConfig())
	ctx := context.Background()

	changes, err := s.EvaluateRisks(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(changes) != 1 || !changes[0].Escalated() {
		t.Fatalf("changes = %+v", changes)
	}
	if _, err := s.EvaluateRisks(ctx); err != nil {
		t.Fatal(err)
	}
	if got := rec.kinds(); len(got) != 1 || got[0] != notify.KindDeadlineCritical {
		t.Fatalf("notifications after two evaluations = %v, want one", got)
	}

	levels, _ := st.RiskLevels(ctx)
	if levels["t-1"] != schema.RiskCritical {
		t.Errorf("persisted level = %s", levels["t-1"])
	}

	// Completing and reopening the task escalates it again.
	tasks.mu.Lock()
	done := *task
	done.Status = schema.StatusDone
	tasks.tasks = []*schema.Task{&done}
	tasks.mu.Unlock()
	_, _ = s.EvaluateRisks(ctx)

	tasks.mu.Lock()
	tasks.tasks = []*schema.Task{task}
	tasks.mu.Unlock()
	_, _ = s.EvaluateRisks(ctx)

	if got := rec.kinds(); len(got) != 2 {
		t.Errorf("notifications = %v, want a second escalation", got)
	}
}

func TestRun_StartsJobsAndRecoversOnChannelError(t *testing.T) {
	st := openStore(t)
	sy := &fakeSyncer{}
	rec := &recorder{}
	s := NewWithConfig(st, sy, &fakeTasks{}, rec, testConfig())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	eventually(t, "initial full pull", func() bool { return sy.pullAll.Load() == 1 })
	eventually(t, "initial heartbeat", func() bool { return sy.heartbeats.Load() == 1 })

	s.OnChannelError("server restarted")
	eventually(t, "forced full pull", func() bool { return sy.pullAll.Load() == 2 })
	eventually(t, "recovery notification", func() bool {
		for _, k := range rec.kinds() {
			if k == notify.KindSyncRecovered {
				return true
			}
		}
		return false
	})

	// Late registrations start right away.
	ran := make(chan struct{}, 1)
	s.Registry().Register("extra", time.Hour, RetryPolicy{}, func(context.Context) error {
		ran <- struct{}{}
		return nil
	})
	select {
	case <-ran:
	case <-time.After(5 * time.Second):
		t.Fatal("late registration did not run")
	}

	cancel()
	if err := <-done; err != nil {
		t.Errorf("Run() = %v, want nil after cancel", err)
	}
}

func TestRun_FatalAfterConsecutiveFailures(t *testing.T) {
	st := openStore(t)
	sy := &fakeSyncer{pullErr: schema.ErrValidation, presenceErr: schema.ErrPermission}
	rec := &recorder{}
	s := NewWithConfig(st, sy, nil, rec, testConfig())

	// Keep failing until the threshold is crossed.
	go func() {
		for i := 0; i < 20; i++ {
			time.Sleep(10 * time.Millisecond)
			s.TriggerFullPull()
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := s.Run(ctx)
	if !errors.Is(err, schema.ErrFatal) {
		t.Fatalf("Run() = %v, want ErrFatal", err)
	}

	v, ok, _ := st.GetState(context.Background(), stateFailures)
	if !ok || v == "0" {
		t.Errorf("persisted failures = %q (set=%v)", v, ok)
	}
	if kinds := rec.kinds(); len(kinds) == 0 || kinds[len(kinds)-1] != notify.KindSyncFatal {
		t.Errorf("notifications = %v, want SYNC_FATAL", kinds)
	}
}

func TestFullPull_TickAttemptsAreBounded(t *testing.T) {
	st := openStore(t)
	sy := &fakeSyncer{pullErr: schema.ErrTransientNetwork}
	cfg := testConfig()
	cfg.Retry = DefaultConfig().Retry
	cfg.Retry.BaseDelay, cfg.Retry.MaxDelay = time.Millisecond, time.Millisecond
	s := NewWithConfig(st, sy, nil, nil, cfg)

	s.tick(context.Background(), s.registry.entries[TagFullPull])

	// The remote client retries each request itself, so a tick only
	// repeats the whole pull once.
	if got := sy.pullAll.Load(); got != 2 {
		t.Errorf("PullAll called %d times in one tick, want 2", got)
	}
}

func TestFullPull_PrunesConfirmedMutations(t *testing.T) {
	st := openStore(t)
	cfg := testConfig()
	cfg.KeepConfirmed = 2
	s := NewWithConfig(st, &fakeSyncer{}, nil, nil, cfg)
	ctx := context.Background()

	status := schema.StatusDone
	for i, ms := range []schema.MutationStatus{
		schema.MutationConfirmed, schema.MutationConfirmed, schema.MutationConfirmed,
		schema.MutationConfirmed, schema.MutationPending,
	} {
		m, err := schema.NewTaskUpdate(fmt.Sprintf("m-%d", i), 0, "p-1", "t-1", schema.TaskPatch{Status: &status}, now)
		if err != nil {
			t.Fatal(err)
		}
		m.Status = ms
		if err := st.InsertMutation(ctx, m); err != nil {
			t.Fatalf("InsertMutation() failed: %v", err)
		}
	}

	if err := s.fullPull(ctx); err != nil {
		t.Fatalf("fullPull() failed: %v", err)
	}

	confirmed, err := st.ListMutations(ctx, schema.MutationConfirmed)
	if err != nil {
		t.Fatal(err)
	}
	if len(confirmed) != 2 || confirmed[0].ID != "m-2" || confirmed[1].ID != "m-3" {
		t.Errorf("confirmed after prune = %v, want m-2 and m-3", ids(confirmed))
	}
	pending, err := st.ListMutations(ctx, schema.MutationPending)
	if err != nil || len(pending) != 1 {
		t.Errorf("pending after prune = %v, %v, want 1 untouched", ids(pending), err)
	}
}

func ids(ms []*schema.PendingMutation) []string {
	out := make([]string, len(ms))
	for i, m := range ms {
		out[i] = m.ID
	}
	return out
}

func TestFinish_SuccessResetsCounter(t *testing.T) {
	st := openStore(t)
	s := NewWithConfig(st, &fakeSyncer{}, nil, nil, testConfig())
	ctx := context.Background()

	s.finish(ctx, "x", time.Now(), schema.ErrTransientNetwork)
	s.finish(ctx, "x", time.Now(), schema.ErrTransientNetwork)
	if n := s.ConsecutiveFailures(); n != 2 {
		t.Fatalf("failures = %d", n)
	}
	s.finish(ctx, "x", time.Now(), nil)
	if n := s.ConsecutiveFailures(); n != 0 {
		t.Errorf("failures after success = %d", n)
	}
}

func TestRun_HonorsPersistedLastRun(t *testing.T) {
	st := openStore(t)
	ctx := context.Background()
	if err := st.SetState(ctx, stateLastRun+TagFullPull, now.Add(-time.Minute).Format(time.RFC3339Nano)); err != nil {
		t.Fatal(err)
	}
	sy := &fakeSyncer{}
	s := NewWithConfig(st, sy, nil, nil, testConfig())

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- s.Run(runCtx) }()

	eventually(t, "heartbeat", func() bool { return sy.heartbeats.Load() == 1 })
	time.Sleep(50 * time.Millisecond)
	if n := sy.pullAll.Load(); n != 0 {
		t.Errorf("full pull ran %d times within its interval", n)
	}
	cancel()
	<-done
}

func TestReconcile_PullsEveryProject(t *testing.T) {
	st := openStore(t)
	sy := &fakeSyncer{}
	s := NewWithConfig(st, sy, nil, nil, testConfig())

	if err := s.Reconcile(context.Background(), []string{"p-1", "p-2"}); err != nil {
		t.Fatal(err)
	}
	if len(sy.pulled) != 2 || sy.pulled[0] != "p-1" || sy.pulled[1] != "p-2" {
		t.Errorf("pulled = %v", sy.pulled)
	}

	sy.pullErr = schema.ErrTransientNetwork
	if err := s.Reconcile(context.Background(), []string{"p-1"}); !errors.Is(err, schema.ErrTransientNetwork) {
		t.Errorf("Reconcile() error = %v", err)
	}
	if s.ConsecutiveFailures() != 1 {
		t.Errorf("failures = %d, want 1", s.ConsecutiveFailures())
	}
}

func TestLoadStatus(t *testing.T) {
	st := openStore(t)
	ctx := context.Background()
	s := NewWithConfig(st, &fakeSyncer{}, nil, nil, testConfig())
	policy := RetryPolicy{MaxAttempts: 1}
	s.tick(ctx, &entry{tag: TagFullPull, interval: time.Hour, policy: policy, job: func(context.Context) error { return nil }})
	s.tick(ctx, &entry{tag: TagPresence, interval: time.Hour, policy: policy, job: func(context.Context) error { return errors.New("offline") }})

	status, err := LoadStatus(ctx, st)
	if err != nil {
		t.Fatal(err)
	}
	if status.ConsecutiveFailures != 1 {
		t.Errorf("failures = %d, want 1", status.ConsecutiveFailures)
	}
	if !status.LastRun[TagFullPull].Equal(now) || !status.LastRun[TagPresence].Equal(now) {
		t.Errorf("last runs = %v", status.LastRun)
	}
	if _, ok := status.LastRun[TagDeadlineRisk]; ok {
		t.Error("deadline-risk has a last run without running")
	}
}
