package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/mschirtzinger/huddle/internal/merge"
	"github.com/mschirtzinger/huddle/internal/schema"
	"github.com/mschirtzinger/huddle/internal/store"
)

// execute runs the root command with args and returns its stdout.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(append([]string{"--no-color", "-o", "text"}, args...))
	err := rootCmd.ExecuteContext(context.Background())
	return out.String(), err
}

func writeConfig(t *testing.T, dir string) string {
	t.Helper()
	path := filepath.Join(dir, "config.yaml")
	body := "db_path: " + filepath.Join(dir, "huddle.db") + "\nlog:\n  level: error\n"
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestParseDue(t *testing.T) {
	now := time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC) // a Monday

	got, err := parseDue("2026-05-20", now)
	if err != nil || !got.Equal(time.Date(2026, 5, 20, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("parseDue(date) = %v, %v", got, err)
	}
	got, err = parseDue("2026-05-20T17:00:00Z", now)
	if err != nil || got.Hour() != 17 {
		t.Errorf("parseDue(RFC3339) = %v, %v", got, err)
	}
	got, err = parseDue("tomorrow", now)
	if err != nil || got.YearDay() != now.YearDay()+1 {
		t.Errorf("parseDue(tomorrow) = %v, %v", got, err)
	}
	if _, err := parseDue("whenever", now); err == nil {
		t.Error("parseDue accepted nonsense")
	}
}

func TestEmit_YAMLUsesJSONNames(t *testing.T) {
	old := outputFmt
	t.Cleanup(func() { outputFmt = old })
	outputFmt = "yaml"

	var buf bytes.Buffer
	if err := emit(&buf, &schema.PresenceRecord{UserID: "u-ana", IsOnline: true}); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(buf.String(), "userId: u-ana") || !strings.Contains(buf.String(), "isOnline: true") {
		t.Errorf("yaml output:\n%s", buf.String())
	}
}

func TestConfigInitAndShow(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")

	if _, err := execute(t, "config", "init", "--config", path); err != nil {
		t.Fatalf("config init: %v", err)
	}
	if _, err := execute(t, "config", "init", "--config", path, "--force=false"); err == nil {
		t.Error("config init overwrote an existing file")
	}

	t.Setenv("HUDDLE_USER_ID", "u-ana")
	out, err := execute(t, "config", "show", "--config", path, "--format", "toml")
	if err != nil {
		t.Fatalf("config show: %v", err)
	}
	if !strings.Contains(out, `id = "u-ana"`) || !strings.Contains(out, "[scheduler]") {
		t.Errorf("config show output:\n%s", out)
	}
}

func TestExportImport(t *testing.T) {
	srcDir, dstDir := t.TempDir(), t.TempDir()
	srcCfg, dstCfg := writeConfig(t, srcDir), writeConfig(t, dstDir)

	s, err := store.Open(filepath.Join(srcDir, "huddle.db"))
	if err != nil {
		t.Fatal(err)
	}
	a := merge.New(s, merge.Config{})
	at := time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)
	for _, e := range []schema.Entity{
		&schema.Task{ID: "t-1", ProjectID: "p-1", Title: "Design", Status: schema.StatusTodo, Priority: schema.PriorityHigh, BlockerReason: "waiting", UpdatedAt: at},
		&schema.Task{ID: "t-2", ProjectID: "p-1", Title: "Build", Status: schema.StatusDone, Priority: schema.PriorityLow, UpdatedAt: at},
	} {
		c, err := schema.NewCandidate(e, schema.SourcePull)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := a.Apply(context.Background(), c); err != nil {
			t.Fatal(err)
		}
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}

	file := filepath.Join(t.TempDir(), "snap.jsonl")
	if _, err := execute(t, "export", file, "--config", srcCfg); err != nil {
		t.Fatalf("export: %v", err)
	}
	out, err := execute(t, "import", file, "--config", dstCfg)
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	if !strings.Contains(out, "2 accepted") {
		t.Errorf("import output:\n%s", out)
	}

	out, err = execute(t, "blocked", "p-1", "--config", dstCfg)
	if err != nil {
		t.Fatalf("blocked: %v", err)
	}
	if !strings.Contains(out, "t-1") || strings.Contains(out, "t-2") {
		t.Errorf("blocked output:\n%s", out)
	}
}

func TestTaskCommandsNeedRemote(t *testing.T) {
	cfgPath := writeConfig(t, t.TempDir())
	_, err := execute(t, "task", "set-status", "t-1", "done", "--config", cfgPath)
	if err == nil || !strings.Contains(err.Error(), "remote.base_url") {
		t.Errorf("set-status without remote = %v", err)
	}
}
