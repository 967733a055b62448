package main

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/edtools/schoolsync/internal/ui"
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show mirror statistics",
	Long: `Show totals for every entity type plus a staff breakdown: active vs
deactivated, by type, contact coverage, and external identity coverage.

With --find, search active staff by name instead.`,
	Run: func(cmd *cobra.Command, args []string) {
		term, _ := cmd.Flags().GetString("find")

		ctx := cmd.Context()
		a, err := newApp(ctx)
		if err != nil {
			fatal(err)
		}
		defer a.close()

		if term != "" {
			found, err := a.store.FindStaffByName(ctx, term)
			if err != nil {
				fatal(err)
			}
			if len(found) == 0 {
				fmt.Printf("no active staff matching %q\n", term)
				return
			}
			fmt.Println(ui.RenderTitle(fmt.Sprintf("Staff matching %q", term)))
			for _, st := range found {
				line := fmt.Sprintf("• %s (person_id %d, %s)", st.Name, st.PersonID, st.Type)
				if st.ExternalID != "" {
					line += " " + ui.RenderAccent("[linked]")
				}
				fmt.Println(line)
			}
			return
		}

		totals, err := a.store.EntityTotals(ctx)
		if err != nil {
			fatal(err)
		}
		staff, err := a.store.StaffStatistics(ctx)
		if err != nil {
			fatal(err)
		}

		fmt.Println(ui.Rule())
		fmt.Println(ui.RenderTitle("Mirror totals"))
		fmt.Println(ui.KV("staff", fmt.Sprintf("%d active / %d total", totals.StaffActive, totals.StaffTotal)))
		fmt.Println(ui.KV("classes", totals.Classes))
		fmt.Println(ui.KV("students", fmt.Sprintf("%d active / %d total", totals.StudentsActive, totals.StudentsTotal)))
		fmt.Println(ui.KV("parents", fmt.Sprintf("%d active / %d total", totals.ParentsActive, totals.ParentsTotal)))

		fmt.Println(ui.Rule())
		fmt.Println(ui.RenderTitle("Staff"))
		fmt.Println(ui.KV("active", staff.Active))
		fmt.Println(ui.KV("deactivated", staff.Deactivated))
		fmt.Println(ui.KV("with phone", staff.WithPhone))
		fmt.Println(ui.KV("with email", staff.WithEmail))
		fmt.Println(ui.KV("with identity", staff.WithExternalID))

		if len(staff.ByType) > 0 {
			fmt.Println(ui.RenderAccent("By type"))
			types := make([]string, 0, len(staff.ByType))
			for t := range staff.ByType {
				types = append(types, t)
			}
			sort.Strings(types)
			for _, t := range types {
				fmt.Println(ui.KV(t, staff.ByType[t]))
			}
		}
		fmt.Println(ui.Rule())
	},
}

func init() {
	statsCmd.Flags().String("find", "", "search active staff by name substring")
	rootCmd.AddCommand(statsCmd)
}
