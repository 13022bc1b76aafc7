// Package main provides machinemon, a service that measures the loudness of
// recorded equipment audio and infers whether the equipment is running.
//
// Usage:
//
//	machinemon [--config path/to/config.json] <command>
//
// If --config is not specified, machinemon looks for config.json in the same
// directory as the binary. Environment variables and a .env file override the
// file.
package main

import (
	"cmp"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/otomoni/machinemon/internal/config"
	"github.com/otomoni/machinemon/internal/ingest"
	"github.com/otomoni/machinemon/internal/notify"
	"github.com/otomoni/machinemon/internal/trigger"
	"github.com/otomoni/machinemon/internal/types"
	"github.com/otomoni/machinemon/internal/util"
)

// Build information, set with -ldflags.
var (
	Version   = "dev"
	Commit    = ""
	BuildTime = ""
)

// Shared CLI flags.
var (
	cfgFile   string
	envFile   string
	logFormat string
	logLevel  string
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func versionInfo() types.VersionInfo {
	return types.VersionInfo{Current: Version, Commit: Commit, BuildTime: BuildTime}
}

// rootCmd configures the root command with all subcommands and flags.
func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "machinemon",
		Short:        "Equipment running-state monitor from recorded audio levels",
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: config.json next to the binary)")
	root.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file loaded before the environment is read")
	root.PersistentFlags().StringVar(&logFormat, "log-format", "", "log format: text or json (overrides config)")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level: debug, info, warn, error (overrides config)")

	root.AddCommand(serveCmd())
	root.AddCommand(ingestCmd())
	root.AddCommand(backfillLevelsCmd())
	root.AddCommand(backfillIndexCmd())
	root.AddCommand(statusCmd())
	root.AddCommand(notifyTestCmd())
	root.AddCommand(writeConfigCmd())
	root.AddCommand(versionCmd())
	return root
}

// loadConfig resolves, loads and validates configuration and installs the logger.
func loadConfig() (*config.Config, error) {
	if err := config.LoadDotEnv(envFile); err != nil {
		return nil, err
	}

	path := cfgFile
	if path == "" {
		execPath, err := os.Executable()
		if err != nil {
			return nil, util.WrapError("get executable path", err)
		}
		path = filepath.Join(filepath.Dir(execPath), "config.json")
	}

	cfg := config.New(path)
	if err := cfg.Load(); err != nil {
		return nil, err
	}

	snap := cfg.Snapshot()
	setupLogger(cmp.Or(logFormat, snap.LogFormat), cmp.Or(logLevel, snap.LogLevel))
	slog.Debug("using config file", "path", path)
	return cfg, nil
}

// setupLogger installs the default slog handler.
func setupLogger(format, level string) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lvl}

	var handler slog.Handler
	if strings.EqualFold(format, "json") {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(handler))
}

// openApp loads configuration and wires the engine.
func openApp(ctx context.Context) (*App, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	snap := cfg.Snapshot()
	return NewApp(ctx, &snap)
}

// printJSON writes v to stdout as indented JSON.
func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, MQTT trigger, status feed and scheduled backfill",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), util.ShutdownSignals()...)
			defer stop()

			app, err := openApp(ctx)
			if err != nil {
				return err
			}
			defer func() {
				if err := app.Close(); err != nil {
					slog.Error("close failed", "error", err)
				}
			}()
			return serve(ctx, app)
		},
	}
}

// serve runs every server component until ctx ends.
func serve(ctx context.Context, app *App) error {
	cfg := &app.cfg

	var webhook notify.Sender
	if cfg.HasWebhook() {
		webhook = newWebhook(ctx, cfg)
	}
	notifier := notify.NewStateNotifier(webhook, app.events)

	srv := NewServer(app, notifier)
	if err := srv.StartScheduler(ctx); err != nil {
		return err
	}
	defer srv.StopScheduler()

	go srv.RunStatusPoller(ctx)

	if cfg.HasMQTT() {
		go runTrigger(ctx, srv)
	}

	httpServer := srv.Start()
	<-ctx.Done()
	slog.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}
	notifier.Wait()

	slog.Info("shutdown complete")
	return nil
}

func newWebhook(ctx context.Context, cfg *config.Snapshot) *notify.Webhook {
	return notify.NewWebhook(ctx, notify.WebhookConfig{
		URL:          cfg.WebhookURL,
		TokenURL:     cfg.WebhookTokenURL,
		ClientID:     cfg.WebhookClientID,
		ClientSecret: cfg.WebhookClientSecret,
		Scopes:       cfg.WebhookScopes,
	})
}

// runTrigger connects to the broker and ingests acknowledged uploads,
// reconnecting with backoff when the initial connection fails.
func runTrigger(ctx context.Context, srv *Server) {
	cfg := &srv.app.cfg
	backoff := util.NewBackoff(time.Second, time.Minute)
	srv.setComponent(componentTrigger, types.ComponentStatus{State: types.ComponentStarting})

	for {
		client, err := trigger.Connect(trigger.ClientConfig{
			Broker:   cfg.MQTTBroker,
			ClientID: cfg.MQTTClientID,
			Username: cfg.MQTTUsername,
			Password: cfg.MQTTPassword,
		})
		if err == nil {
			sub := trigger.NewSubscriber(client, cfg.MQTTTopic, cfg.Storage.Bucket, srv.app.pipeline)
			srv.setComponent(componentTrigger, types.ComponentStatus{State: types.ComponentRunning})
			err = sub.Start(ctx)
			if err == nil {
				srv.setComponent(componentTrigger, types.ComponentStatus{State: types.ComponentStopped})
				return
			}
		}

		srv.setComponent(componentTrigger, types.ComponentStatus{State: types.ComponentError, Error: err.Error()})
		slog.Error("mqtt trigger failed", "error", err, "retry_in", backoff.Current())
		if backoff.Wait(ctx) != nil {
			return
		}
	}
}

func ingestCmd() *cobra.Command {
	var ev ingest.Event
	cmd := &cobra.Command{
		Use:   "ingest <bucket> <key> [key...]",
		Short: "Measure and index stored recordings",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer app.Close() //nolint:errcheck // CLI exit

			ev.Bucket = args[0]
			if len(args) == 2 {
				ev.Key = args[1]
				rec, err := app.pipeline.Ingest(cmd.Context(), ev)
				if err != nil {
					return err
				}
				return printJSON(rec)
			}

			events := make([]ingest.Event, 0, len(args)-1)
			for _, key := range args[1:] {
				e := ev
				e.Key = key
				events = append(events, e)
			}
			resp := newBatchResponse(app.IngestBatch(cmd.Context(), events))
			if err := printJSON(resp); err != nil {
				return err
			}
			if resp.Failed > 0 {
				return fmt.Errorf("%d of %d recordings failed", resp.Failed, len(events))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&ev.EquipmentID, "equipment", "", "equipment id (default: derived from each key)")
	cmd.Flags().Int64Var(&ev.Size, "size", 0, "object size in bytes (single key only)")
	return cmd
}

func backfillLevelsCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "backfill-dbfs",
		Short: "Compute levels for the newest records that lack one",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			app, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer app.Close() //nolint:errcheck // CLI exit

			b := *app.backfill
			b.Limit = cmp.Or(limit, b.Limit)
			rep, err := b.Run(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(rep)
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 0, "records to examine (default: backfill.limit)")
	return cmd
}

func backfillIndexCmd() *cobra.Command {
	var bucket, prefix string
	var keep int
	cmd := &cobra.Command{
		Use:   "backfill-index",
		Short: "Index existing recordings from a bucket listing, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			app, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer app.Close() //nolint:errcheck // CLI exit

			b := *app.indexer
			b.KeepNewest = cmp.Or(keep, b.KeepNewest)
			bucket = cmp.Or(bucket, app.cfg.Storage.Bucket)
			if bucket == "" {
				return fmt.Errorf("bucket is required")
			}
			rep, err := b.Run(cmd.Context(), bucket, cmp.Or(prefix, app.cfg.Storage.Prefix))
			if err != nil {
				return err
			}
			return printJSON(rep)
		},
	}
	cmd.Flags().StringVar(&bucket, "bucket", "", "bucket to list (default: storage.bucket)")
	cmd.Flags().StringVar(&prefix, "prefix", "", "key prefix (default: storage.prefix)")
	cmd.Flags().IntVar(&keep, "keep", 0, "newest objects to index (default: backfill.limit)")
	return cmd
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status [equipment]",
		Short: "Estimate thresholds and print the running state",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer app.Close() //nolint:errcheck // CLI exit

			var id string
			if len(args) == 1 {
				id = args[0]
			}
			rep, err := app.status.Status(cmd.Context(), id)
			if err != nil {
				return err
			}
			return printJSON(rep)
		},
	}
}

func notifyTestCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "notify-test",
		Short: "Send a test notification to the state webhook",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			snap := cfg.Snapshot()
			if !snap.HasWebhook() {
				return fmt.Errorf("webhook.url is not configured")
			}
			if err := newWebhook(cmd.Context(), &snap).SendTest(cmd.Context()); err != nil {
				return err
			}
			slog.Info("test notification sent", "url", snap.WebhookURL, "oauth2", snap.HasWebhookAuth())
			return nil
		},
	}
}

func writeConfigCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "write-config",
		Short: "Write the resolved configuration back to the config file",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if err := cfg.Save(); err != nil {
				return err
			}
			slog.Info("config written", "path", cfg.Path())
			return nil
		},
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			return printJSON(versionInfo())
		},
	}
}
