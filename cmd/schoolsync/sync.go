package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/edtools/schoolsync/internal/backup"
	"github.com/edtools/schoolsync/internal/identity"
	"github.com/edtools/schoolsync/internal/mosapi"
	"github.com/edtools/schoolsync/internal/syncer"
	"github.com/edtools/schoolsync/internal/ui"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run a full synchronization against the directory API",
	Long: `Run a full sync: a pre-sync snapshot of the mirror, then staff,
classes, and each class's students and parents. Rows absent from a completed
fetch are deactivated, never deleted.

With --clean, staff rows lacking a user id are deactivated before the sync
starts instead of only during the post-fetch cleanup pass.`,
	Run: func(cmd *cobra.Command, args []string) {
		clean, _ := cmd.Flags().GetBool("clean")
		noBackup, _ := cmd.Flags().GetBool("no-backup")

		ctx := cmd.Context()
		a, err := newApp(ctx)
		if err != nil {
			fatal(err)
		}
		defer a.close()

		if a.cfg.SchoolID == 0 {
			fatal(fmt.Errorf("school_id is not configured"))
		}

		if clean {
			n, err := a.store.DeactivateStaffWithoutUserID(ctx, a.store.Querier(), time.Now().UTC())
			if err != nil {
				fatal(fmt.Errorf("pre-sync cleanup failed: %w", err))
			}
			fmt.Printf("%s deactivated %d staff rows without user id\n", ui.RenderAccent("🧹"), n)
		}

		api := mosapi.NewClient(mosapi.ClientOptions{
			BaseURL:           a.cfg.BaseURL,
			Headers:           a.cfg.APIHeaders(),
			Cache:             mosapi.NewRequestCache(a.cfg.CacheTTL),
			Logger:            a.log,
			MaxRetries:        a.cfg.MaxRetries,
			RetryBackoff:      a.cfg.RetryBackoff,
			LastPageThreshold: a.cfg.LastPageThreshold,
		})

		resolver := identity.NewResolver(identity.ResolverOptions{
			CheckURL:          a.cfg.Identity.CheckURL,
			Headers:           a.cfg.APIHeaders(),
			Limiter:           identity.NewRateLimiter(a.cfg.Identity.Limit, a.cfg.Identity.Window, a.log),
			Logger:            a.log,
			MaxRetries:        a.cfg.Identity.MaxRetries,
			RetryAfterDefault: a.cfg.Identity.RetryAfterDefault,
			Pause:             a.cfg.Identity.Pause,
			BatchPause:        a.cfg.Identity.BatchPause,
		})

		engine := syncer.NewEngine(a.store, api, resolver, a.cfg.SchoolID, a.log)

		var snap syncer.Snapshotter
		if !noBackup {
			snap = backup.New(a.cfg.DBPath, a.cfg.BackupDir, a.cfg.BackupKeep, a.log)
		}

		rep := engine.Run(ctx, snap)
		printReport(rep)
	},
}

func init() {
	syncCmd.Flags().Bool("clean", false, "deactivate staff rows without user id before syncing")
	syncCmd.Flags().Bool("no-backup", false, "skip the pre-sync snapshot")
	rootCmd.AddCommand(syncCmd)
}

func printReport(rep *syncer.Report) {
	fmt.Println(ui.Rule())
	fmt.Println(ui.RenderTitle("Sync report"))
	fmt.Println(ui.Rule())

	stage := func(name string, s syncer.Stats) {
		fmt.Println(ui.RenderAccent(name))
		fmt.Println(ui.KV("loaded", s.Loaded))
		fmt.Println(ui.KV("saved", s.Saved))
		if s.NoUserID > 0 {
			fmt.Println(ui.KV("no user id", s.NoUserID))
		}
		if s.Skipped > 0 {
			fmt.Println(ui.KV("skipped", s.Skipped))
		}
		if s.Duplicates > 0 {
			fmt.Println(ui.KV("duplicates", s.Duplicates))
		}
		if s.Errors > 0 {
			fmt.Println(ui.KV("errors", ui.RenderError(fmt.Sprint(s.Errors))))
		}
		if s.Deactivated > 0 {
			fmt.Println(ui.KV("deactivated", s.Deactivated))
		}
	}

	stage("Staff", rep.Staff)
	stage("Classes", rep.Classes)
	stage("Students", rep.Students)
	stage("Parents", rep.Parents)

	fmt.Println(ui.RenderAccent("Run"))
	fmt.Println(ui.KV("links created", rep.LinksCreated))
	fmt.Println(ui.KV("classes ok", rep.ClassesFetched))
	if rep.ClassesFailed > 0 {
		fmt.Println(ui.KV("classes failed", ui.RenderError(fmt.Sprint(rep.ClassesFailed))))
	}
	fmt.Println(ui.KV("cache", fmt.Sprintf("%d hits / %d misses", rep.CacheHits, rep.CacheMisses)))
	fmt.Println(ui.KV("duration", rep.FinishedAt.Sub(rep.StartedAt).Round(time.Second)))
	fmt.Println(ui.Rule())
	fmt.Println(ui.RenderSuccess("✅ sync finished"))
}
