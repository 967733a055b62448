package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/edtools/schoolsync/internal/ui"
)

var problemsCmd = &cobra.Command{
	Use:   "problems",
	Short: "Report staff rows with data-quality issues",
	Long: `Report active staff rows that need attention: missing user id,
missing name, or no contact information at all. Rows without a user id are
listed individually (bounded by --limit); they are the ones a sync with
--clean would deactivate.`,
	Run: func(cmd *cobra.Command, args []string) {
		limit, _ := cmd.Flags().GetInt("limit")

		ctx := cmd.Context()
		a, err := newApp(ctx)
		if err != nil {
			fatal(err)
		}
		defer a.close()

		counts, err := a.store.StaffProblems(ctx)
		if err != nil {
			fatal(err)
		}

		fmt.Println(ui.Rule())
		fmt.Println(ui.RenderTitle("Staff problems"))
		fmt.Println(ui.KV("no user id", counts.NoUserID))
		fmt.Println(ui.KV("no name", counts.NoName))
		fmt.Println(ui.KV("no contacts", counts.NoContacts))

		if counts.NoUserID == 0 {
			fmt.Println(ui.RenderSuccess("no rows pending cleanup"))
			return
		}

		rows, err := a.store.ListStaffWithoutUserID(ctx, limit)
		if err != nil {
			fatal(err)
		}
		fmt.Println(ui.RenderAccent("Rows without user id"))
		for _, st := range rows {
			name := st.Name
			if name == "" {
				name = "(no name)"
			}
			fmt.Printf("• %s (person_id %d)\n", name, st.PersonID)
		}
		if counts.NoUserID > len(rows) {
			fmt.Printf("  … and %d more\n", counts.NoUserID-len(rows))
		}
	},
}

func init() {
	problemsCmd.Flags().Int("limit", 10, "how many problem rows to list")
	rootCmd.AddCommand(problemsCmd)
}
