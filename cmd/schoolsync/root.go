package main

import (
	"context"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/edtools/schoolsync/internal/config"
	"github.com/edtools/schoolsync/internal/logging"
	"github.com/edtools/schoolsync/internal/store"
)

var cfgPath string

var rootCmd = &cobra.Command{
	Use:   "schoolsync",
	Short: "Mirror a school directory into a local SQLite database",
	Long: `schoolsync keeps a local SQLite mirror of a school's directory:
staff, classes, students and parents, with active/inactive reconciliation
against the directory API and best-effort external identity resolution.

Configuration is read from schoolsync.yaml (or --config) with SCHOOLSYNC_*
environment variables taking precedence.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "", "path to config file (default schoolsync.yaml)")
}

// app bundles what every subcommand needs: parsed config, a logger, and an
// opened store with the schema applied.
type app struct {
	cfg   *config.Config
	log   *logrus.Logger
	store *store.Store
}

func newApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, err
	}

	log := logging.New(logging.Options{Level: cfg.LogLevel, File: cfg.LogFile})

	st, err := store.Open(cfg.DBPath)
	if err != nil {
		return nil, err
	}
	if err := st.InitSchema(ctx); err != nil {
		st.Close()
		return nil, err
	}

	return &app{cfg: cfg, log: log, store: st}, nil
}

func (a *app) close() {
	if err := a.store.Close(); err != nil {
		a.log.WithError(err).Warn("failed to close store")
	}
}

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}
