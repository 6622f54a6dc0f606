package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/daviddao/tagged/pkg/auth"
	"github.com/daviddao/tagged/pkg/cache"
	"github.com/daviddao/tagged/pkg/server"
)

func newServeCmd(get func() *app) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the sign-in route, cached content routes and /metrics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a := get()
			if addr == "" {
				addr = a.cfg.Server.ListenAddr
			}

			opts := server.Options{
				Backend: a.client,
				Content: cache.New[any](a.cfg.ContentCache()),
				Metrics: promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{}),
				Log:     a.log.Named("server"),
			}
			if err := a.cfg.ValidateGoogle(); err != nil {
				a.log.Warn("google sign-in route disabled", zap.Error(err))
			} else {
				opts.Google = &auth.Google{
					ClientID:     a.cfg.Google.ClientID,
					ClientSecret: a.cfg.Google.ClientSecret,
					RedirectURI:  a.cfg.Google.RedirectURI,
					TokenURL:     a.cfg.Google.TokenURL,
				}
			}

			srv := &http.Server{
				Addr:              addr,
				Handler:           server.New(opts),
				ReadHeaderTimeout: 10 * time.Second,
				ReadTimeout:       30 * time.Second,
				WriteTimeout:      60 * time.Second,
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			errCh := make(chan error, 1)
			go func() { errCh <- srv.ListenAndServe() }()
			fmt.Fprintf(a.out, "listening on %s\n", addr)

			select {
			case err := <-errCh:
				if errors.Is(err, http.ErrServerClosed) {
					return nil
				}
				return fmt.Errorf("serve: %w", err)
			case <-ctx.Done():
			}

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				return fmt.Errorf("serve: shutdown: %w", err)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default: server.listen_addr)")
	return cmd
}
