// Package cli holds the pieces shared by the ping and traceroute commands:
// exit codes, common flags, config precedence and metrics lifecycle.
package cli

import (
	"errors"
	"fmt"

	"github.com/postalsys/pingtrace/internal/icmp"
	"github.com/postalsys/pingtrace/internal/resolve"
	"github.com/spf13/cobra"
)

// Process exit codes, following sysexits.h.
const (
	ExitOK      = 0
	ExitFailure = 1
	ExitUsage   = 64 // EX_USAGE
	ExitNoHost  = 68 // EX_NOHOST
	ExitNoPerm  = 77 // EX_NOPERM
)

// UsageError reports a bad flag, flag value or argument.
type UsageError struct {
	Err error
}

func (e *UsageError) Error() string { return e.Err.Error() }
func (e *UsageError) Unwrap() error { return e.Err }

// Usagef returns a formatted UsageError.
func Usagef(format string, args ...any) error {
	return &UsageError{Err: fmt.Errorf(format, args...)}
}

// ExitError carries an explicit exit code.
type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string { return e.Err.Error() }
func (e *ExitError) Unwrap() error { return e.Err }

// ExitCode maps an error returned by a command to a process exit code.
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}

	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	var usageErr *UsageError
	if errors.As(err, &usageErr) {
		return ExitUsage
	}

	switch {
	case errors.Is(err, resolve.ErrNoAddress):
		return ExitNoHost
	case errors.Is(err, icmp.ErrPermission):
		return ExitNoPerm
	default:
		return ExitFailure
	}
}

// Execute runs cmd, prints any error to the command's stderr and returns
// the exit code. Usage errors also print the usage text.
func Execute(cmd *cobra.Command) int {
	cmd.SilenceErrors = true
	cmd.SilenceUsage = true
	cmd.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return &UsageError{Err: err}
	})

	err := cmd.Execute()
	if err == nil {
		return ExitOK
	}

	stderr := cmd.ErrOrStderr()
	fmt.Fprintf(stderr, "%s: %v\n", cmd.Name(), err)

	var usageErr *UsageError
	if errors.As(err, &usageErr) {
		fmt.Fprint(stderr, cmd.UsageString())
	}
	return ExitCode(err)
}

// SingleTarget accepts zero or one positional argument. Zero is handled by
// the command, which prints usage.
func SingleTarget(_ *cobra.Command, args []string) error {
	if len(args) > 1 {
		return Usagef("expected one target, got %d arguments", len(args))
	}
	return nil
}
