package main

import (
	"context"
	"errors"
	"fmt"
)

const (
	exitCodeFailure  = 1
	exitCodeCanceled = 130
)

// exitError carries a process exit code out of a command. Silent errors were
// already reported by the command itself.
type exitError struct {
	code   int
	err    error
	silent bool
}

func (e *exitError) Error() string {
	if e == nil {
		return ""
	}
	if e.err != nil {
		return e.err.Error()
	}
	return fmt.Sprintf("exit %d", e.code)
}

func (e *exitError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.err
}

// commandExit maps a command failure to its exit code. Cancellation by signal
// exits quietly with 130.
func commandExit(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return &exitError{code: exitCodeCanceled, err: err, silent: true}
	}
	return &exitError{code: exitCodeFailure, err: err}
}
