package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/mschirtzinger/huddle/internal/derived"
	"github.com/mschirtzinger/huddle/internal/logging"
	"github.com/mschirtzinger/huddle/internal/merge"
	"github.com/mschirtzinger/huddle/internal/mutation"
	"github.com/mschirtzinger/huddle/internal/remote"
	"github.com/mschirtzinger/huddle/internal/store"
	hsync "github.com/mschirtzinger/huddle/internal/sync"
)

// app holds the components every command builds on. Fields a command did
// not ask for stay nil.
type app struct {
	logger *zap.Logger
	level  zap.AtomicLevel

	store   *store.Store
	engine  *derived.Engine
	applier *merge.Applier
	remote  *remote.Client
}

// openApp opens the local store and wires the applier to the derived-state
// engine. withRemote also builds the API client and requires identity.
func openApp(withRemote bool) (*app, error) {
	if withRemote {
		if err := cfg.RequireRemote(); err != nil {
			return nil, err
		}
	}
	logger, level, err := logging.New(cfg.Log)
	if err != nil {
		return nil, err
	}
	s, err := store.Open(cfg.DBPath)
	if err != nil {
		return nil, err
	}

	a := &app{logger: logger, level: level, store: s}
	a.engine = derived.New(s, derived.Config{Logger: logger})
	a.applier = merge.New(s, merge.Config{
		Logger:     logger,
		Normalize:  a.engine.NormalizeMilestone,
		OnConflict: a.engine.OnConflict,
	})

	if withRemote {
		a.remote, err = remote.New(remote.Config{
			BaseURL:     cfg.Remote.BaseURL,
			Token:       cfg.Remote.Token,
			MaxAttempts: cfg.Remote.MaxAttempts,
			BaseDelay:   cfg.Remote.BaseDelay,
			MaxDelay:    cfg.Remote.MaxDelay,
			Timeout:     cfg.Remote.Timeout,
			Logger:      logger,
		})
		if err != nil {
			a.Close()
			return nil, err
		}
	}
	return a, nil
}

func (a *app) Close() {
	a.engine.Close()
	if err := a.store.Close(); err != nil {
		a.logger.Warn("failed to close store", zap.Error(err))
	}
	_ = a.logger.Sync()
}

func (a *app) actor() mutation.Actor {
	return mutation.Actor{ID: cfg.User.ID, Role: cfg.User.Role}
}

func (a *app) submitter() *mutation.Submitter {
	return mutation.New(a.applier, a.remote, mutation.Config{
		Logger:        a.logger,
		SubmitTimeout: 2 * cfg.Remote.Timeout * time.Duration(max(cfg.Remote.MaxAttempts, 1)),
	})
}

// syncer builds the pull coordinator. ch may be nil for one-shot commands.
func (a *app) syncer(ch hsync.Channel) hsync.Syncer {
	return hsync.New(a.applier, a.remote, ch, hsync.Config{
		Logger:      a.logger,
		UserID:      cfg.User.ID,
		Concurrency: cfg.Scheduler.PullConcurrency,
	})
}

// commandContext is cancelled on SIGINT or SIGTERM.
func commandContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

// structured reports whether -o asked for machine-readable output.
func structured() bool {
	return outputFmt == "json" || outputFmt == "yaml"
}

// emit writes v as JSON or YAML, depending on -o.
func emit(w io.Writer, v any) error {
	switch outputFmt {
	case "yaml":
		// Round-trip through JSON so YAML keys follow the json tags.
		raw, err := json.Marshal(v)
		if err != nil {
			return err
		}
		var generic any
		if err := json.Unmarshal(raw, &generic); err != nil {
			return err
		}
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(generic); err != nil {
			return err
		}
		return enc.Close()
	default:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
}

func warnf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "Warning: "+format+"\n", args...)
}
