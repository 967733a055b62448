package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/edtools/schoolsync/internal/backup"
	"github.com/edtools/schoolsync/internal/config"
	"github.com/edtools/schoolsync/internal/logging"
	"github.com/edtools/schoolsync/internal/ui"
)

var backupCmd = &cobra.Command{
	Use:   "backup",
	Short: "Manage mirror database snapshots",
}

var backupCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Take a snapshot of the mirror database",
	Run: func(cmd *cobra.Command, args []string) {
		m, err := backupManager()
		if err != nil {
			fatal(err)
		}
		path, err := m.CreateSnapshot("manual")
		if err != nil {
			fatal(err)
		}
		fmt.Printf("%s %s\n", ui.RenderSuccess("snapshot created:"), path)
	},
}

var backupListCmd = &cobra.Command{
	Use:   "list",
	Short: "List snapshots, oldest first",
	Run: func(cmd *cobra.Command, args []string) {
		m, err := backupManager()
		if err != nil {
			fatal(err)
		}
		names, err := m.List()
		if err != nil {
			fatal(err)
		}
		if len(names) == 0 {
			fmt.Println("no snapshots")
			return
		}
		for _, n := range names {
			fmt.Println(n)
		}
	},
}

var backupRestoreCmd = &cobra.Command{
	Use:   "restore <snapshot>",
	Short: "Restore the mirror database from a snapshot",
	Long: `Restore the mirror from a named snapshot. The current database is
snapshotted first (prefix pre_restore), so a bad restore is reversible.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		m, err := backupManager()
		if err != nil {
			fatal(err)
		}
		if err := m.Restore(args[0]); err != nil {
			fatal(err)
		}
		fmt.Println(ui.RenderSuccess("database restored"))
	},
}

// backupManager builds a Manager from config without opening the store; the
// database file must not be held open while it is copied or replaced.
func backupManager() (*backup.Manager, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, err
	}
	log := logging.New(logging.Options{Level: cfg.LogLevel, File: cfg.LogFile})
	return backup.New(cfg.DBPath, cfg.BackupDir, cfg.BackupKeep, log), nil
}

func init() {
	backupCmd.AddCommand(backupCreateCmd, backupListCmd, backupRestoreCmd)
	rootCmd.AddCommand(backupCmd)
}
