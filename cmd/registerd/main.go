// Command registerd serves the custody register.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
)

// Exit codes.
const (
	exitFailure      = 1
	exitCommandError = 2
)

// exitError carries the process exit code of a failed command.
type exitError struct {
	code    int
	message string
	err     error
}

func (e *exitError) Error() string {
	if e.err != nil {
		return fmt.Sprintf("%s: %v", e.message, e.err)
	}
	return e.message
}

func (e *exitError) Unwrap() error { return e.err }

func wrapExit(code int, message string, err error) error {
	return &exitError{code: code, message: message, err: err}
}

func exitCode(err error) int {
	var e *exitError
	if errors.As(err, &e) {
		return e.code
	}
	return exitFailure
}

func main() {
	cmd := newRootCommand()
	if err := cmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "registerd:", err)
		os.Exit(exitCode(err))
	}
}
