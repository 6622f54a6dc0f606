package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/daviddao/tagged/pkg/auth"
	"github.com/daviddao/tagged/pkg/backend"
	"github.com/daviddao/tagged/pkg/model"
)

func newLoginCmd(get func() *app) *cobra.Command {
	var code, idToken string
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Sign in with a Google authorization code",
		Long: `Exchange a Google OAuth authorization code for a backend session.

--id-token skips the Google exchange and logs in with an id token you
already hold.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a := get()
			if code == "" && idToken == "" {
				return errors.New("login: pass --code or --id-token")
			}

			var res *auth.Result
			switch {
			case idToken != "":
				lr, err := a.client.Login(cmd.Context(), backend.LoginRequest{Token: idToken, Provider: "google"})
				if err != nil {
					return fmt.Errorf("login: %w", err)
				}
				res = &auth.Result{LoginResult: *lr, IDToken: idToken}
			default:
				if a.session.AuthCodeUsed(code) {
					return errors.New("login: this authorization code was already used; request a new one")
				}
				if err := a.cfg.ValidateGoogle(); err != nil {
					return fmt.Errorf("login: %w", err)
				}
				g := &auth.Google{
					ClientID:     a.cfg.Google.ClientID,
					ClientSecret: a.cfg.Google.ClientSecret,
					RedirectURI:  a.cfg.Google.RedirectURI,
					TokenURL:     a.cfg.Google.TokenURL,
				}
				var err error
				if res, err = auth.SignIn(cmd.Context(), g, a.client, code); err != nil {
					return fmt.Errorf("login: %w", err)
				}
				if err := a.session.RememberAuthCode(code); err != nil {
					return err
				}
			}

			s := model.Session{UserDocID: res.UserDocID, AccessToken: res.AccessToken, Email: res.Email}
			if res.ExpiresIn > 0 {
				s.ExpiresAt = time.Now().Add(time.Duration(res.ExpiresIn) * time.Second).UTC()
			}
			if err := a.session.Save(s); err != nil {
				return err
			}
			if err := a.session.SaveIDToken(res.IDToken); err != nil {
				return err
			}

			if a.jsonOut {
				a.printJSON(map[string]any{"user_doc_id": s.UserDocID, "email": s.Email, "expires_at": s.ExpiresAt})
				return nil
			}
			fmt.Fprintf(a.out, "signed in as %s (%s)\n", s.Email, s.UserDocID)
			return nil
		},
	}
	cmd.Flags().StringVar(&code, "code", "", "Google OAuth authorization code")
	cmd.Flags().StringVar(&idToken, "id-token", "", "Google id token")
	return cmd
}

func newLogoutCmd(get func() *app) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Clear the local session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a := get()
			if err := a.session.Clear(); err != nil {
				return err
			}
			fmt.Fprintln(a.out, "signed out")
			return nil
		},
	}
}
