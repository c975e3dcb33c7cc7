package remote

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mschirtzinger/huddle/internal/schema"
)

var t0 = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

func newTestClient(t *testing.T, h http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c, err := New(Config{
		BaseURL:   srv.URL,
		Token:     "secret",
		BaseDelay: time.Millisecond,
		MaxDelay:  5 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	return c
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func TestPullProject(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /projects/p-1", func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer secret" {
			t.Errorf("Authorization = %q", got)
		}
		writeJSON(w, schema.Project{ID: "p-1", Name: "Launch", OwnerID: "u-1", MemberIDs: []string{"u-1"}, UpdatedAt: t0})
	})
	mux.HandleFunc("GET /projects/p-1/milestones", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, []schema.Milestone{{ID: "ms-1", ProjectID: "p-1", Title: "Beta", UpdatedAt: t0}})
	})
	mux.HandleFunc("GET /projects/p-1/tasks", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `[
			{"id":"t-1","projectId":"p-1","title":"Ship it","status":"TODO","priority":"HIGH","updatedAt":"2026-03-10T12:00:00Z"},
			{"id":"t-2","projectId":"p-1","title":"Broken","status":"TODO","priority":"HIGH","updatedAt":"not a time"}
		]`)
	})
	mux.HandleFunc("GET /projects/p-1/activity", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, []any{})
	})
	mux.HandleFunc("GET /projects/p-1/presence", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, []schema.PresenceRecord{{UserID: "u-1", IsOnline: true, LastSeen: t0}})
	})
	mux.HandleFunc("GET /projects/p-1/deletions", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, []schema.Deletion{{Kind: schema.KindTask, ID: "t-9", ProjectID: "p-1", DeletedAt: t0}})
	})
	c := newTestClient(t, mux)

	cands, err := c.PullProject(context.Background(), "p-1")
	if err != nil {
		t.Fatalf("PullProject() failed: %v", err)
	}

	byKey := map[string]schema.Candidate{}
	var malformed int
	for _, cand := range cands {
		if cand.Source != schema.SourcePull {
			t.Errorf("%s source = %s, want PULL", cand.Key(), cand.Source)
		}
		if cand.Validate() != nil {
			malformed++
			continue
		}
		byKey[cand.Key().String()] = cand
	}
	for _, key := range []string{"project/p-1", "milestone/ms-1", "task/t-1", "presence/u-1", "task/t-9"} {
		if _, ok := byKey[key]; !ok {
			t.Errorf("missing candidate %s", key)
		}
	}
	if !byKey["task/t-9"].Deleted {
		t.Error("deletion was not turned into a tombstone")
	}
	if malformed != 1 {
		t.Errorf("malformed = %d, want 1 (the bad task is passed on for the merge layer to reject)", malformed)
	}
}

func TestSubmit_RetriesTransientWithSameIdempotencyKey(t *testing.T) {
	var calls atomic.Int32
	var keys []string
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		keys = append(keys, r.Header.Get("Idempotency-Key"))
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		var req taskMutationRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if r.URL.Path != "/tasks/t-1/mutations" || req.MutationID != "m-1" || req.Patch.Status == nil {
			t.Errorf("unexpected request %s %+v", r.URL.Path, req)
		}
		writeJSON(w, schema.Task{ID: "t-1", ProjectID: "p-1", Title: "Ship it", Status: *req.Patch.Status,
			Priority: schema.PriorityHigh, UpdatedAt: t0.Add(time.Second)})
	}))

	done := schema.StatusDone
	m, err := schema.NewTaskUpdate("m-1", 1, "p-1", "t-1", schema.TaskPatch{Status: &done}, t0)
	if err != nil {
		t.Fatal(err)
	}
	echo, err := c.Submit(context.Background(), m)
	if err != nil {
		t.Fatalf("Submit() failed: %v", err)
	}
	if echo.Source != schema.SourceLocalConfirm || echo.ID != "t-1" || !echo.UpdatedAt.Equal(t0.Add(time.Second)) {
		t.Errorf("echo = %+v", echo)
	}
	if calls.Load() != 3 {
		t.Errorf("calls = %d, want 3", calls.Load())
	}
	for _, k := range keys {
		if k != "m-1" {
			t.Errorf("Idempotency-Key = %q, want m-1", k)
		}
	}
}

func TestDo_ErrorClassification(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		body     string
		want     error
		attempts int
	}{
		{name: "forbidden", status: http.StatusForbidden, want: schema.ErrPermission, attempts: 1},
		{name: "unauthorized", status: http.StatusUnauthorized, want: schema.ErrPermission, attempts: 1},
		{name: "unprocessable", status: http.StatusUnprocessableEntity, want: schema.ErrValidation, attempts: 1},
		{name: "not found", status: http.StatusNotFound, want: schema.ErrValidation, attempts: 1},
		{name: "server error", status: http.StatusInternalServerError, want: schema.ErrTransientNetwork, attempts: DefaultMaxAttempts},
		{name: "rate limited", status: http.StatusTooManyRequests, want: schema.ErrTransientNetwork, attempts: DefaultMaxAttempts},
		{name: "garbage body", status: http.StatusOK, body: "{nope", want: schema.ErrMalformedEntity, attempts: 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls atomic.Int32
			c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				calls.Add(1)
				w.WriteHeader(tt.status)
				_, _ = io.WriteString(w, tt.body)
			}))

			_, err := c.PullPresence(context.Background())
			if !errors.Is(err, tt.want) {
				t.Fatalf("error = %v, want %v", err, tt.want)
			}
			var rerr *Error
			if !errors.As(err, &rerr) {
				t.Fatalf("error %T is not *Error", err)
			}
			if rerr.Attempts != tt.attempts || int(calls.Load()) != tt.attempts {
				t.Errorf("attempts = %d (server saw %d), want %d", rerr.Attempts, calls.Load(), tt.attempts)
			}
			if tt.want == schema.ErrTransientNetwork && !schema.IsRetryable(err) {
				t.Error("transient error should be retryable")
			}
		})
	}
}

func TestDo_ContextCancelStopsRetrying(t *testing.T) {
	var calls atomic.Int32
	ctx, cancel := context.WithCancel(context.Background())
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			cancel()
		}
		w.WriteHeader(http.StatusBadGateway)
	}))
	c.cfg.BaseDelay = time.Second

	_, err := c.PullPresence(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("error = %v, want context.Canceled", err)
	}
	if calls.Load() != 1 {
		t.Errorf("calls = %d, want 1", calls.Load())
	}
}

func TestPutPresence(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut || r.URL.Path != "/presence/u-1" {
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
		}
		var rec schema.PresenceRecord
		_ = json.NewDecoder(r.Body).Decode(&rec)
		writeJSON(w, rec)
	}))

	cand, err := c.PutPresence(context.Background(), schema.PresenceRecord{UserID: "u-1", IsOnline: true, LastSeen: t0})
	if err != nil {
		t.Fatalf("PutPresence() failed: %v", err)
	}
	if cand.Kind != schema.KindPresence || cand.ID != "u-1" || !cand.UpdatedAt.Equal(t0) {
		t.Errorf("candidate = %+v", cand)
	}
}

func TestBackoff(t *testing.T) {
	base, max := 100*time.Millisecond, time.Second
	for attempt, want := range map[int]time.Duration{1: 100 * time.Millisecond, 2: 200 * time.Millisecond, 3: 400 * time.Millisecond, 10: time.Second} {
		for i := 0; i < 20; i++ {
			got := Backoff(attempt, base, max)
			lo, hi := time.Duration(float64(want)*0.8), time.Duration(float64(want)*1.2)
			if got < lo || got > hi {
				t.Errorf("Backoff(%d) = %v, want within [%v, %v]", attempt, got, lo, hi)
			}
		}
	}
}

func TestEndpointLabel(t *testing.T) {
	if got := endpointLabel("/projects/p-1/tasks"); got != "/projects/{id}/tasks" {
		t.Errorf("endpointLabel = %q", got)
	}
	if got := endpointLabel("/presence"); got != "/presence" {
		t.Errorf("endpointLabel = %q", got)
	}
}
