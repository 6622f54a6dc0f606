package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newHistoryCmd(get func() *app) *cobra.Command {
	var (
		limit int
		all   bool
	)
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recent like mutations and how they ended",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a := get()
			actor := a.actor()
			if all {
				actor = ""
			}
			recs, err := a.store.ListMutations(actor, limit)
			if err != nil {
				return fmt.Errorf("history: %w", err)
			}
			if a.jsonOut {
				a.printJSON(recs)
				return nil
			}
			if len(recs) == 0 {
				fmt.Fprintln(a.out, "no mutations")
				return nil
			}
			for _, r := range recs {
				line := fmt.Sprintf("%s  %-30s %-11s %s -> %s",
					r.CreatedAt.Local().Format("2006-01-02 15:04:05"), r.Target.Key(), r.Phase,
					describe(r.Before), describe(r.After))
				if r.Error != "" {
					line += "  error: " + r.Error
				}
				fmt.Fprintln(a.out, line)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "number of entries")
	cmd.Flags().BoolVar(&all, "all", false, "include every user, not just the signed-in one")
	return cmd
}
