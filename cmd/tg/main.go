// Command tg is the tagged CLI: like/unlike with optimistic updates, content
// reads, and Google sign-in against the Decoded/Tagged API.
package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/daviddao/tagged/pkg/optimistic"
	"github.com/daviddao/tagged/pkg/session"
)

const version = "0.3.0"

// Exit codes.
const (
	exitOK    = 0
	exitError = 1
	exitAuth  = 2 // login required or session expired
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, out, errOut io.Writer) int {
	root, closeApp := newRootCmd(out, errOut)
	root.SetArgs(args)
	err := root.Execute()
	closeApp()
	if err != nil {
		fmt.Fprintf(errOut, "tg: %v\n", err)
	}
	return exitCode(err)
}

func exitCode(err error) int {
	switch {
	case err == nil:
		return exitOK
	case errors.Is(err, optimistic.ErrLoginRequired), errors.Is(err, session.ErrSessionExpired):
		return exitAuth
	default:
		return exitError
	}
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
