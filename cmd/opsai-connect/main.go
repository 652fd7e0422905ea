package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/opsai/opsai-connect/internal/logging"
)

func main() {
	if code := runMain(Execute, os.Stderr); code != 0 {
		os.Exit(code)
	}
}

// runMain executes the command tree and turns its error into an exit code,
// reporting it on stderr unless the command already did.
func runMain(execute func() error, stderr io.Writer) int {
	err := execute()
	if err == nil {
		return 0
	}
	code, message, cause, silent := classifyExit(err)
	if !silent {
		emitCommandError(cause, message, code, stderr)
	}
	return code
}

func classifyExit(err error) (code int, message string, cause error, silent bool) {
	var ee *exitError
	if errors.As(err, &ee) {
		cause = err
		if ee.err != nil {
			cause = ee.err
		}
		message = "command failed"
		if ee.code == exitCodeCanceled {
			message = "command canceled"
		}
		return ee.code, message, cause, ee.silent
	}
	if errors.Is(err, context.Canceled) {
		return exitCodeCanceled, "command canceled", err, false
	}
	return exitCodeFailure, "command failed", err, false
}

// emitCommandError writes one line: a structured record for long running
// commands, plain text for the rest.
func emitCommandError(err error, message string, exitCode int, stderr io.Writer) {
	ctx := currentCommandExecutionContext()
	if ctx.UsesStructuredLog {
		fatalPathLogger(ctx, stderr).Error(message, "exit_code", exitCode, "error", err)
		return
	}
	if exitCode == exitCodeCanceled {
		fmt.Fprintln(stderr, "canceled")
		return
	}
	fmt.Fprintln(stderr, err)
}

// fatalPathLogger builds a fresh logger because the command may have failed
// before bootstrapCommand ran. Invalid logging env falls back to defaults.
func fatalPathLogger(ctx commandExecutionContext, stderr io.Writer) *slog.Logger {
	cfg, err := logging.LoadConfigFromEnv()
	if err != nil {
		cfg = logging.DefaultConfig()
	}
	return logging.NewLogger(cfg, stderr, ctx.CommandPath)
}
