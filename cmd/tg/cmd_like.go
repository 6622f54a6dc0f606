package main

import (
	"context"
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/daviddao/tagged/pkg/model"
	"github.com/daviddao/tagged/pkg/optimistic"
)

func newLikeCmd(get func() *app) *cobra.Command {
	var (
		liked bool
		count int
	)
	cmd := &cobra.Command{
		Use:   "like <doc_type> <doc_id>",
		Short: "Toggle the like on a document",
		Long: `Toggle the like on a document.

The flipped state is printed immediately, then the backend is updated and
the result reconciled. If the update fails the toggle is rolled back.

The current state is read from the backend unless --liked or --count is
given.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a := get()
			target := model.MutationTarget{Resource: model.ResourceType(args[0]), ID: args[1], Actor: a.actor()}

			var current model.LikeState
			if cmd.Flags().Changed("liked") || cmd.Flags().Changed("count") {
				current = model.LikeState{IsLiked: liked, Count: count}
			} else if target.Actor != "" {
				st, err := a.coord.Status(cmd.Context(), target)
				if err != nil {
					return fmt.Errorf("like: read current state: %w", err)
				}
				current = st
			}

			m, err := a.coord.Toggle(cmd.Context(), target, current)
			if err != nil {
				return fmt.Errorf("like: %w", err)
			}
			if !a.jsonOut {
				fmt.Fprintf(a.out, "%s  %s (optimistic)\n", target.Key(), describe(m.Optimistic()))
			}

			final, werr := m.Wait(context.WithoutCancel(cmd.Context()))
			if a.jsonOut {
				out := map[string]any{
					"target":     target,
					"before":     m.Snapshot(),
					"optimistic": m.Optimistic(),
					"final":      final,
					"phase":      m.Phase(),
					"stale":      m.Stale(),
				}
				if werr != nil {
					out["error"] = werr.Error()
				}
				a.printJSON(out)
			} else {
				suffix := ""
				if m.Stale() {
					suffix = ", unconfirmed"
				}
				fmt.Fprintf(a.out, "%s  %s (%s%s)\n", target.Key(), describe(final), m.Phase(), suffix)
			}
			if werr != nil {
				return fmt.Errorf("like: %w", werr)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&liked, "liked", false, "current like state, skips the read")
	cmd.Flags().IntVar(&count, "count", 0, "current like count, skips the read")
	return cmd
}

func newIsLikeCmd(get func() *app) *cobra.Command {
	return &cobra.Command{
		Use:   "islike <doc_type> <doc_id>...",
		Short: "Show whether you like one or more documents",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a := get()
			actor := a.actor()
			if actor == "" {
				a.notify(model.Notice{Level: model.NoticeWarning, Message: "Please log in first."})
				return optimistic.ErrLoginRequired
			}
			docType, ids := model.ResourceType(args[0]), args[1:]

			states := make(map[string]model.LikeState, len(ids))
			if len(ids) == 1 {
				st, err := a.coord.Status(cmd.Context(), model.MutationTarget{Resource: docType, ID: ids[0], Actor: actor})
				if err != nil {
					return fmt.Errorf("islike: %w", err)
				}
				states[ids[0]] = st
			} else {
				reports, err := a.client.LikeStatuses(cmd.Context(), actor, docType, ids)
				if err != nil {
					return fmt.Errorf("islike: %w", err)
				}
				for id, r := range reports {
					states[id] = r.Merge(model.LikeState{})
				}
			}

			if a.jsonOut {
				a.printJSON(states)
				return nil
			}
			keys := make([]string, 0, len(states))
			for id := range states {
				keys = append(keys, id)
			}
			sort.Strings(keys)
			for _, id := range keys {
				fmt.Fprintf(a.out, "%s:%s  %s\n", docType, id, describe(states[id]))
			}
			return nil
		},
	}
}

func describe(s model.LikeState) string {
	if s.IsLiked {
		return fmt.Sprintf("liked (%d)", s.Count)
	}
	return fmt.Sprintf("not liked (%d)", s.Count)
}
