package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/daviddao/tagged/pkg/model"
)

func newStatusCmd(get func() *app) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show session and client state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a := get()
			s, err := a.session.Load()
			if err != nil {
				return fmt.Errorf("status: %w", err)
			}
			state := sessionState(s, time.Now())
			mutations := a.store.CountMutations()

			if a.jsonOut {
				a.printJSON(map[string]any{
					"api":        a.cfg.API.BaseURL,
					"env":        a.cfg.Env,
					"session":    state,
					"user":       s.UserDocID,
					"email":      s.Email,
					"expires_at": s.ExpiresAt,
					"mutations":  mutations,
				})
				return nil
			}
			fmt.Fprintf(a.out, "api:       %s (%s)\n", a.cfg.API.BaseURL, a.cfg.Env)
			fmt.Fprintf(a.out, "session:   %s\n", state)
			if s.UserDocID != "" {
				fmt.Fprintf(a.out, "user:      %s %s\n", s.UserDocID, s.Email)
			}
			if !s.ExpiresAt.IsZero() {
				fmt.Fprintf(a.out, "expires:   %s\n", s.ExpiresAt.Local().Format(time.RFC3339))
			}
			fmt.Fprintf(a.out, "mutations: %d logged\n", mutations)
			return nil
		},
	}
}

// sessionState summarizes a session:
//   - "signed out": no user or token
//   - "expired":    token past its expiry; the next request clears it
//   - "active"
func sessionState(s model.Session, now time.Time) string {
	switch {
	case !s.LoggedIn():
		return "signed out"
	case s.Expired(now):
		return "expired"
	default:
		return "active"
	}
}
