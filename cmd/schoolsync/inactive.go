package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/edtools/schoolsync/internal/ui"
)

var inactiveCmd = &cobra.Command{
	Use:   "inactive",
	Short: "List deactivated staff and why they were deactivated",
	Run: func(cmd *cobra.Command, args []string) {
		limit, _ := cmd.Flags().GetInt("limit")

		ctx := cmd.Context()
		a, err := newApp(ctx)
		if err != nil {
			fatal(err)
		}
		defer a.close()

		rows, err := a.store.ListInactiveStaff(ctx)
		if err != nil {
			fatal(err)
		}

		var today, thisWeek int
		now := time.Now().UTC()
		for _, st := range rows {
			if st.DeactivatedAt == nil {
				continue
			}
			if st.DeactivatedAt.Year() == now.Year() && st.DeactivatedAt.YearDay() == now.YearDay() {
				today++
			}
			if now.Sub(*st.DeactivatedAt) <= 7*24*time.Hour {
				thisWeek++
			}
		}

		fmt.Println(ui.Rule())
		fmt.Println(ui.RenderTitle(fmt.Sprintf("Inactive staff: %d", len(rows))))
		fmt.Println(ui.KV("today", today))
		fmt.Println(ui.KV("this week", thisWeek))

		shown := 0
		for _, st := range rows {
			if limit > 0 && shown >= limit {
				break
			}
			shown++

			when := "unknown"
			if st.DeactivatedAt != nil {
				when = st.DeactivatedAt.Format("2006-01-02 15:04")
			}
			reason := "absent from directory"
			if st.UserID == 0 {
				reason = "no user id"
			}

			name := st.Name
			if name == "" {
				name = "(no name)"
			}
			fmt.Printf("• %s (person_id %d)\n", name, st.PersonID)
			fmt.Printf("  deactivated %s, %s\n", when, ui.RenderWarn(reason))
		}
		if len(rows) > shown {
			fmt.Printf("  … and %d more\n", len(rows)-shown)
		}
	},
}

func init() {
	inactiveCmd.Flags().Int("limit", 10, "how many rows to list (0 = all)")
	rootCmd.AddCommand(inactiveCmd)
}
