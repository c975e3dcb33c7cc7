package main

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/mschirtzinger/huddle/internal/config"
	"github.com/mschirtzinger/huddle/internal/dashboard"
	"github.com/mschirtzinger/huddle/internal/logging"
	"github.com/mschirtzinger/huddle/internal/notify"
	"github.com/mschirtzinger/huddle/internal/realtime"
	"github.com/mschirtzinger/huddle/internal/schema"
	"github.com/mschirtzinger/huddle/internal/scheduler"
	hsync "github.com/mschirtzinger/huddle/internal/sync"
)

var daemonCmd = &cobra.Command{
	Use:     "daemon",
	GroupID: "sync",
	Short:   "Keep the local store in sync until interrupted",
	Long: `Run the sync daemon in the foreground.

The daemon:
  1. Resumes pending local changes left by a previous run
  2. Connects the real-time channel and reconciles every followed project
  3. Runs the background jobs (full pull, presence, deadline risk)
  4. Serves the local dashboard (unless --no-dashboard)

It exits with an error when the background jobs fail too many times in a
row. Log level changes in the config file are applied without a restart.`,
	RunE: runDaemon,
}

func init() {
	daemonCmd.Flags().Bool("no-dashboard", false, "do not serve the local dashboard")
	rootCmd.AddCommand(daemonCmd)
}

func runDaemon(cmd *cobra.Command, _ []string) error {
	noDashboard, _ := cmd.Flags().GetBool("no-dashboard")

	ctx, cancel := commandContext(cmd.Context())
	defer cancel()

	a, err := openApp(true)
	if err != nil {
		return err
	}
	defer a.Close()
	logger := a.logger.Named("daemon")

	if loader.Watch(func(c *config.Config, err error) {
		if err != nil {
			logger.Warn("ignoring invalid config change", zap.Error(err))
			return
		}
		lvl, err := logging.ParseLevel(c.Log.Level)
		if err != nil {
			logger.Warn("ignoring invalid log level", zap.Error(err))
			return
		}
		if lvl != a.level.Level() {
			a.level.SetLevel(lvl)
			logger.Info("log level changed", zap.Stringer("level", lvl))
		}
	}) {
		logger.Debug("watching config file", zap.String("path", loader.Path()))
	}

	notifier, closeNotifiers, err := buildNotifier(a.logger)
	if err != nil {
		return err
	}
	defer closeNotifiers()

	submitter := a.submitter()
	defer func() {
		if err := submitter.Close(); err != nil {
			logger.Warn("failed to stop submitter", zap.Error(err))
		}
	}()
	if n, err := submitter.Resume(ctx); err != nil {
		return fmt.Errorf("failed to resume pending changes: %w", err)
	} else if n > 0 {
		logger.Info("resumed pending changes", zap.Int("count", n))
	}

	chURL, err := cfg.ChannelURL()
	if err != nil {
		return err
	}

	// The channel, syncer and scheduler refer to each other through hooks.
	var (
		sched  *scheduler.Scheduler
		syncer hsync.Syncer
	)
	channel, err := realtime.New(realtime.Config{
		URL:                  chURL,
		Token:                cfg.Remote.Token,
		Logger:               a.logger,
		PingInterval:         cfg.Realtime.PingInterval,
		PongTimeout:          cfg.Realtime.PongTimeout,
		BaseDelay:            cfg.Remote.BaseDelay,
		MaxDelay:             cfg.Remote.MaxDelay,
		MaxReconnectAttempts: cfg.Realtime.MaxReconnectAttempts,
		QueueSize:            cfg.Realtime.QueueSize,
		Deliver: func(ctx context.Context, c schema.Candidate) error {
			_, err := syncer.Apply(ctx, c)
			return err
		},
		Reconcile: func(ctx context.Context, projects []string) error {
			return sched.Reconcile(ctx, projects)
		},
		OnError: func(message string) { sched.OnChannelError(message) },
		OnStateChange: func(s realtime.State) {
			logger.Info("channel state", zap.Stringer("state", s))
		},
	})
	if err != nil {
		return err
	}
	syncer = a.syncer(channel)

	sched = scheduler.NewWithConfig(a.store, syncer, a.engine, notifier, &scheduler.Config{
		FullPullInterval: cfg.Scheduler.FullPullInterval,
		PresenceInterval: cfg.Scheduler.PresenceInterval,
		RiskInterval:     cfg.Scheduler.RiskInterval,
		FailureThreshold: cfg.Scheduler.FailureThreshold,
		Retry: scheduler.RetryPolicy{
			MaxAttempts: cfg.Scheduler.JobAttempts,
			BaseDelay:   cfg.Remote.BaseDelay,
			MaxDelay:    cfg.Remote.MaxDelay,
		},
		KeepConfirmed: cfg.Scheduler.KeepConfirmed,
		Windows: scheduler.RiskWindows{
			Critical: cfg.Scheduler.CriticalWindow,
			Warning:  cfg.Scheduler.WarningWindow,
		},
		Logger: a.logger,
	})

	for _, id := range cfg.Projects {
		if err := a.store.AddSubscription(ctx, id); err != nil {
			return err
		}
	}
	projects, err := syncer.Projects(ctx)
	if err != nil {
		return err
	}
	if len(projects) == 0 {
		warnf("no projects followed; run 'huddle subscribe <project>' or set projects in %s", loader.Path())
	}
	for _, id := range projects {
		_ = channel.Subscribe(ctx, id)
	}

	if !noDashboard {
		stop, err := startDashboard(ctx, a, logger)
		if err != nil {
			return err
		}
		defer stop()
	}

	if err := channel.Connect(ctx); err != nil {
		return err
	}
	defer channel.Disconnect()
	go superviseChannel(ctx, channel, cfg.Scheduler.FullPullInterval, logger)

	logger.Info("daemon started",
		zap.String("user", cfg.User.ID),
		zap.Strings("projects", projects),
		zap.String("channel", chURL))

	if err := sched.Run(ctx); err != nil {
		return err
	}
	logger.Info("daemon stopped")
	return nil
}

// superviseChannel reconnects the channel one full-pull interval after it
// gives up. Scheduled pulls keep the store current in the meantime.
func superviseChannel(ctx context.Context, ch *realtime.Channel, wait time.Duration, logger *zap.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-ch.Done():
		}
		// A nil error means Disconnect.
		if ctx.Err() != nil || ch.Err() == nil {
			return
		}
		logger.Error("real-time channel stopped; relying on scheduled pulls",
			zap.Error(ch.Err()), zap.Duration("retry_in", wait))
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
		if err := ch.Connect(ctx); err != nil {
			logger.Error("failed to restart channel", zap.Error(err))
			return
		}
	}
}

// buildNotifier fans out to the log and to every configured sink.
func buildNotifier(logger *zap.Logger) (notify.Notifier, func(), error) {
	sinks := notify.Multi{notify.NewLog(logger)}
	var closers []func()

	if cfg.Notify.WebhookURL != "" {
		wh, err := notify.NewWebhook(notify.WebhookConfig{URL: cfg.Notify.WebhookURL, Logger: logger})
		if err != nil {
			return nil, nil, err
		}
		sinks = append(sinks, wh)
		closers = append(closers, wh.Close)
	}
	if cfg.Notify.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.Notify.RedisAddr})
		sinks = append(sinks, notify.NewRedis(client, cfg.Notify.RedisChannel, logger))
		closers = append(closers, func() { _ = client.Close() })
	}
	return sinks, func() {
		for _, c := range closers {
			c()
		}
	}, nil
}

// startDashboard serves the derived views until ctx ends.
func startDashboard(ctx context.Context, a *app, logger *zap.Logger) (stop func(), err error) {
	var handler *dashboard.Handler
	server := dashboard.NewServer(&dashboard.Config{
		Addr:     cfg.Dashboard.Addr,
		Snapshot: func(ctx context.Context) []dashboard.Message { return handler.Snapshot(ctx) },
		Logger:   a.logger,
	})
	handler = dashboard.NewHandler(server, a.engine, a.logger)
	if err := server.Start(); err != nil {
		return nil, fmt.Errorf("failed to start dashboard: %w", err)
	}
	go handler.Run(ctx)
	logger.Info("dashboard listening", zap.String("addr", server.Addr()))
	return func() {
		if err := server.Stop(); err != nil {
			logger.Warn("failed to stop dashboard", zap.Error(err))
		}
	}, nil
}
