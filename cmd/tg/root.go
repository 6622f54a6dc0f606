package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/daviddao/tagged/pkg/config"
)

const defaultConfigFile = "tagged.yaml"

type rootFlags struct {
	configPath string
	verbose    bool
	jsonOut    bool
}

// newRootCmd builds the command tree. The app is opened before any
// subcommand that needs it runs; the returned func closes it.
func newRootCmd(out, errOut io.Writer) (*cobra.Command, func()) {
	var (
		flags rootFlags
		a     *app
	)
	get := func() *app { return a }

	root := &cobra.Command{
		Use:   "tg",
		Short: "Optimistic like-sync client for the Decoded/Tagged API",
		Long: `tg talks to the Decoded/Tagged backend.

Likes are applied locally first and reconciled with the backend; a failed
request rolls the local state back. Requests are retried with exponential
backoff on network errors, 5xx and 409 responses.

Environment:
  TAGGED_CONFIG         config file (default: tagged.yaml if present)
  TAGGED_API_URL        backend base URL
  TAGGED_DB             SQLite database path (default: .tagged/tagged.db)
  TAGGED_ENV            "development" logs raw error detail
  GOOGLE_CLIENT_ID, GOOGLE_CLIENT_SECRET, GOOGLE_REDIRECT_URI
                        OAuth client for login and serve

Exit codes:
  0  success
  1  error
  2  login required or session expired`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !needsApp(cmd) {
				return nil
			}
			cfg, err := config.Load(resolveConfigPath(flags.configPath))
			if err != nil {
				return err
			}
			log, err := newLogger(cfg, flags.verbose)
			if err != nil {
				return fmt.Errorf("failed to initialize logger: %w", err)
			}
			a, err = newApp(cfg, log, cmd.OutOrStdout(), cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			a.jsonOut = flags.jsonOut
			return nil
		},
	}
	root.SetOut(out)
	root.SetErr(errOut)
	root.PersistentFlags().StringVar(&flags.configPath, "config", "", "config file (default: $TAGGED_CONFIG or ./tagged.yaml)")
	root.PersistentFlags().BoolVarP(&flags.verbose, "verbose", "v", false, "enable debug logging")
	root.PersistentFlags().BoolVar(&flags.jsonOut, "json", false, "JSON output")

	root.AddCommand(
		newLoginCmd(get),
		newLogoutCmd(get),
		newStatusCmd(get),
		newLikeCmd(get),
		newIsLikeCmd(get),
		newImagesCmd(get),
		newSearchCmd(get),
		newFeedCmd(get),
		newContentCmd(get),
		newHistoryCmd(get),
		newServeCmd(get),
		newVersionCmd(),
	)
	closeApp := func() {
		if a != nil {
			a.Close()
			_ = a.log.Sync()
			a = nil
		}
	}
	return root, closeApp
}

func needsApp(cmd *cobra.Command) bool {
	if cmd.Annotations["noapp"] == "true" || cmd.Name() == "help" {
		return false
	}
	for c := cmd; c != nil; c = c.Parent() {
		if c.Name() == "completion" {
			return false
		}
	}
	return true
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:         "version",
		Short:       "Print the version",
		Args:        cobra.NoArgs,
		Annotations: map[string]string{"noapp": "true"},
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), "tg", version)
		},
	}
}

// resolveConfigPath picks the flag, then $TAGGED_CONFIG, then ./tagged.yaml
// if it exists. An empty result means defaults and environment only.
func resolveConfigPath(flagVal string) string {
	if flagVal != "" {
		return flagVal
	}
	if p := envOr("TAGGED_CONFIG", ""); p != "" {
		return p
	}
	if _, err := os.Stat(defaultConfigFile); err != nil {
		return ""
	}
	return defaultConfigFile
}

// newLogger builds the zap logger. The CLI logs warnings and above to
// stderr unless --verbose is set; development mode uses the console encoder.
func newLogger(cfg config.Config, verbose bool) (*zap.Logger, error) {
	zc := zap.NewProductionConfig()
	if cfg.Development() {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(zapcore.WarnLevel)
	if verbose {
		zc.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	}
	return zc.Build()
}
