package dashboard

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/mschirtzinger/huddle/internal/derived"
	"github.com/mschirtzinger/huddle/internal/merge"
	"github.com/mschirtzinger/huddle/internal/schema"
	"github.com/mschirtzinger/huddle/internal/store"
)

var t0 = time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)

type fixture struct {
	server  *Server
	handler *Handler
	engine  *derived.Engine
	applier *merge.Applier
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "dashboard.db"))
	if err != nil {
		t.Fatalf("store.Open() failed: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	e := derived.New(s, derived.Config{})
	t.Cleanup(e.Close)

	f := &fixture{engine: e, applier: merge.New(s, merge.Config{})}
	f.server = NewServer(&Config{
		Addr:     "127.0.0.1:0",
		Snapshot: func(ctx context.Context) []Message { return f.handler.Snapshot(ctx) },
	})
	f.handler = NewHandler(f.server, e, nil)
	if err := f.server.Start(); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	t.Cleanup(func() { _ = f.server.Stop() })
	return f
}

func (f *fixture) apply(t *testing.T, ent schema.Entity) {
	t.Helper()
	c, err := schema.NewCandidate(ent, schema.SourceEvent)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.applier.Apply(context.Background(), c); err != nil {
		t.Fatalf("Apply() failed: %v", err)
	}
}

func read(t *testing.T, ctx context.Context, conn *websocket.Conn) Message {
	t.Helper()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("decode %s: %v", data, err)
	}
	return msg
}

func TestServer_HealthAndMetrics(t *testing.T) {
	f := newFixture(t)
	base := "http://" + f.server.Addr()

	resp, err := http.Get(base + "/health")
	if err != nil {
		t.Fatal(err)
	}
	var health map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&health)
	resp.Body.Close()
	if health["status"] != "ok" {
		t.Errorf("health = %v", health)
	}

	resp, err = http.Get(base + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(body), "go_goroutines") {
		t.Errorf("metrics status %d", resp.StatusCode)
	}

	resp, err = http.Get(base + "/nope")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown path status = %d", resp.StatusCode)
	}
}

func TestServer_SnapshotThenUpdates(t *testing.T) {
	f := newFixture(t)
	f.apply(t, &schema.Task{ID: "t-1", ProjectID: "p-1", Title: "Design", Status: schema.StatusTodo, Priority: schema.PriorityHigh, BlockerReason: "waiting on API", UpdatedAt: t0})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	go f.handler.Run(ctx)

	conn, _, err := websocket.Dial(ctx, "ws://"+f.server.Addr()+"/ws", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.CloseNow()

	seen := map[MessageType]Message{}
	for i := 0; i < 5; i++ {
		msg := read(t, ctx, conn)
		seen[msg.Type] = msg
	}
	var blocked BlockedData
	if err := json.Unmarshal(seen[MessageTypeBlocked].Data, &blocked); err != nil {
		t.Fatal(err)
	}
	if len(blocked.Tasks) != 1 || blocked.Tasks[0].ID != "t-1" {
		t.Fatalf("snapshot blocked = %+v", blocked.Tasks)
	}

	deadline := time.Now().Add(time.Second)
	for f.server.ClientCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	item, err := schema.NewActivity("a-1", "p-1", "u-ana", t0, schema.Comment{Body: "looks good"})
	if err != nil {
		t.Fatal(err)
	}
	f.apply(t, item)

	for {
		msg := read(t, ctx, conn)
		if msg.Type != MessageTypeFeed || msg.ProjectID != "p-1" {
			continue
		}
		var feed FeedData
		if err := json.Unmarshal(msg.Data, &feed); err != nil {
			t.Fatal(err)
		}
		if len(feed.Items) != 1 || feed.Items[0].Summary == "" {
			t.Fatalf("feed = %+v", feed.Items)
		}
		return
	}
}

func TestServer_BroadcastDropsWhenFull(t *testing.T) {
	s := NewServer(&Config{Addr: "127.0.0.1:0"})
	// Not started: nothing drains the queue.
	done := make(chan struct{})
	go func() {
		for i := 0; i < 150; i++ {
			s.Broadcast(Message{Type: MessageTypeFeed})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Broadcast blocked on a full queue")
	}
	if len(s.queue) != cap(s.queue) {
		t.Errorf("queue holds %d of %d", len(s.queue), cap(s.queue))
	}
	_ = s.Stop()
}

func TestServer_ProjectFilter(t *testing.T) {
	s := NewServer(&Config{Addr: "127.0.0.1:0"})
	if err := s.Start(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = s.Stop() })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws://"+s.Addr()+"/ws", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.CloseNow()

	if err := conn.Write(ctx, websocket.MessageText, []byte(`{"projects":["p-2"]}`)); err != nil {
		t.Fatal(err)
	}
	filtered := func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		for c := range s.clients {
			return !c.wants("p-1") && c.wants("p-2")
		}
		return false
	}
	for deadline := time.Now().Add(2 * time.Second); !filtered(); time.Sleep(5 * time.Millisecond) {
		if time.Now().After(deadline) {
			t.Fatal("filter never applied")
		}
	}

	s.Broadcast(Message{Type: MessageTypeBlocked, ProjectID: "p-1"})
	s.Broadcast(Message{Type: MessageTypeBlocked, ProjectID: "p-2"})
	s.Broadcast(Message{Type: MessageTypePresence})

	if msg := read(t, ctx, conn); msg.ProjectID != "p-2" {
		t.Errorf("first message for %q, want p-2", msg.ProjectID)
	}
	if msg := read(t, ctx, conn); msg.Type != MessageTypePresence {
		t.Errorf("second message = %s, want presence", msg.Type)
	}
}

func TestHandler_MessageUnknownView(t *testing.T) {
	f := newFixture(t)
	if _, err := f.handler.Message(context.Background(), derived.Update{View: "gantt"}); err == nil {
		t.Error("Message() accepted an unknown view")
	}
}
