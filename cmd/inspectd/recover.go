package main

import (
	"fmt"

	"github.com/lotview/inspectd/internal/config"
	"github.com/lotview/inspectd/internal/db"
	"github.com/lotview/inspectd/internal/executor"
	"github.com/lotview/inspectd/internal/recovery"
	"github.com/spf13/cobra"
)

func newRecoverCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "recover",
		Short: "Run one stuck-job recovery sweep and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRecover(cmd, configPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "inspectd.yaml", "path to inspectd config file")
	return cmd
}

func runRecover(cmd *cobra.Command, configPath string) error {
	out := cmd.OutOrStdout()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	gdb, err := db.Connect(cfg.Database)
	if err != nil {
		return err
	}

	invoker := executor.New(cfg.Stages)
	stats, err := recovery.Sweep(cmd.Context(), gdb, invoker, nil, recovery.Config{
		Deadline:       cfg.Recovery.Deadline(),
		RetryableTypes: cfg.Recovery.RetryableTypes,
	})
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "Sweep complete: examined=%d reset=%d reinvoked=%d exhausted=%d abandoned=%d blocks_swept=%d\n",
		stats.Examined, stats.Reset, stats.Reinvoked, stats.Exhausted, stats.Abandoned, stats.BlocksSwept)
	return nil
}
