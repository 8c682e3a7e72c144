// Package cmd implements CLI commands using the cobra framework, driving a
// single in-process platform.Platform for the lifetime of the process.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/dispatchkit/platform/internal/claimer"
	"github.com/dispatchkit/platform/internal/config"
	"github.com/dispatchkit/platform/internal/obslog"
	"github.com/dispatchkit/platform/internal/platform"
	"github.com/dispatchkit/platform/internal/task"
)

var configFile string

// rootCmd is the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "dispatchkit",
	Short: "dispatchkit - an in-process task dispatch platform",
	Long: `dispatchkit runs a single in-process task registry: publish tasks,
register claimers, and have claimers pull work by priority and affinity.

This CLI is a thin driver over the library for local experimentation and
seed-file bootstrapping; it is not a client/server protocol.`,
	Version: "0.1.0",
}

// Execute runs rootCmd, whose child commands are registered in init. Called
// once from main.main.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "dispatchkit.yml",
		"config file path")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(publishCmd)
	rootCmd.AddCommand(claimCmd)
	rootCmd.AddCommand(cancelCmd)
}

func exitWithError(msg string, err error) {
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s: %v\n", msg, err)
	} else {
		fmt.Fprintf(os.Stderr, "Error: %s\n", msg)
	}
	os.Exit(1)
}

// loadPlatform loads configFile and builds a platform.Platform seeded with
// its configured claimers and tasks, initializing logging as a side
// effect. Shared by every subcommand so they all observe the same seed
// behaviour.
func loadPlatform() (*platform.Platform, *config.GlobalConfig, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	if err := obslog.Init(cfg.Log); err != nil {
		return nil, nil, fmt.Errorf("init logging: %w", err)
	}

	var opts []platform.Option
	if cfg.Platform.MaxQueueSize > 0 {
		opts = append(opts, platform.WithMaxQueueSize(cfg.Platform.MaxQueueSize))
	}
	p := platform.New(opts...)

	for _, sc := range cfg.Seed.Claimers {
		c := claimer.New(sc.ID, p, sc.MaxConcurrency)
		for _, cat := range sc.Categories {
			c.AddCategory(cat)
		}
		for _, role := range sc.Roles {
			c.AddRole(role)
		}
		if err := p.RegisterClaimer(c); err != nil {
			return nil, nil, fmt.Errorf("seed claimer %q: %w", sc.ID, err)
		}
	}

	for _, st := range cfg.Seed.Tasks {
		t := task.New(st.Title)
		t.SetDescription(st.Description)
		t.SetCategory(st.Category)
		for _, tg := range st.Tags {
			t.AddTag(tg)
		}
		for _, role := range st.RequiredRoles {
			t.RequireRole(role)
		}
		for k, v := range st.Metadata {
			t.SetMetadata(k, v)
		}
		priority := st.Priority
		if priority == 0 {
			priority = cfg.Platform.DefaultPriority
		}
		t.SetPriority(priority)
		if err := p.Publish(t); err != nil {
			return nil, nil, fmt.Errorf("seed task %q: %w", st.Title, err)
		}
	}

	return p, cfg, nil
}
