package main

import (
	"fmt"
	"log"
	"os/signal"
	"syscall"

	"github.com/lotview/inspectd/internal/api"
	"github.com/lotview/inspectd/internal/config"
	"github.com/lotview/inspectd/internal/db"
	"github.com/lotview/inspectd/internal/executor"
	"github.com/lotview/inspectd/internal/notify"
	"github.com/lotview/inspectd/internal/notify/discord"
	"github.com/lotview/inspectd/internal/notify/slack"
	"github.com/lotview/inspectd/internal/recovery"
	"github.com/spf13/cobra"
)

func newServeCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the API server and recovery daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, configPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "inspectd.yaml", "path to inspectd config file")
	return cmd
}

func runServe(cmd *cobra.Command, configPath string) error {
	out := cmd.OutOrStdout()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	gdb, err := db.Connect(cfg.Database)
	if err != nil {
		return err
	}
	if err := db.AutoMigrate(gdb); err != nil {
		return err
	}
	fmt.Fprintf(out, "Connected to %s:%d/%s\n", cfg.Database.Host, cfg.Database.Port, cfg.Database.Name)

	invoker := executor.New(cfg.Stages)
	notifier := buildNotifier(cfg)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	recoveryCfg := recovery.Config{
		Deadline:       cfg.Recovery.Deadline(),
		RetryableTypes: cfg.Recovery.RetryableTypes,
	}

	go func() {
		err := recovery.RunDaemon(ctx, gdb, invoker, notifier, cfg.Recovery.Schedule, recoveryCfg, out)
		if err != nil {
			log.Printf("recovery daemon error: %v", err)
		}
	}()

	return api.Start(ctx, api.StartOpts{
		DB:       gdb,
		Invoker:  invoker,
		Notifier: notifier,
		Recovery: recoveryCfg,
		Port:     cfg.HTTP.Port,
		Out:      out,
	})
}

// buildNotifier assembles the configured alert sinks. Sink construction
// failures are logged and skipped: serving never depends on chat credentials.
func buildNotifier(cfg *config.Config) notify.Notifier {
	var sinks notify.Multi

	if cfg.Notify.Slack.BotToken != "" {
		n, err := slack.New(cfg.Notify.Slack.BotToken, cfg.Notify.Slack.Channel)
		if err != nil {
			log.Printf("slack notifier disabled: %v", err)
		} else {
			sinks = append(sinks, n)
		}
	}
	if cfg.Notify.Discord.BotToken != "" {
		n, err := discord.New(cfg.Notify.Discord.BotToken, cfg.Notify.Discord.Channel)
		if err != nil {
			log.Printf("discord notifier disabled: %v", err)
		} else {
			sinks = append(sinks, n)
		}
	}

	if len(sinks) == 0 {
		return nil
	}
	return sinks
}
