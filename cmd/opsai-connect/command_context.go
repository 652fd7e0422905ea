package main

import (
	"sync"

	"github.com/opsai/opsai-connect/internal/logging"
	"github.com/spf13/cobra"
)

// commandExecutionContext describes the running command for the fatal error
// path, which runs after cobra has returned.
type commandExecutionContext struct {
	CommandPath       string
	UsesStructuredLog bool
}

var (
	commandContextMu sync.RWMutex
	commandContext   commandExecutionContext
)

func setCommandExecutionContext(ctx commandExecutionContext) {
	commandContextMu.Lock()
	commandContext = ctx
	commandContextMu.Unlock()
}

func resetCommandExecutionContext() {
	setCommandExecutionContext(commandExecutionContext{})
}

func currentCommandExecutionContext() commandExecutionContext {
	commandContextMu.RLock()
	defer commandContextMu.RUnlock()
	return commandContext
}

// plainOutputCommands print for humans and keep the default logger.
var plainOutputCommands = map[string]struct{}{
	"version": {},
}

func commandUsesStructuredLogging(cmd *cobra.Command) bool {
	if cmd == nil {
		return false
	}
	_, plain := plainOutputCommands[cmd.Name()]
	return !plain
}

func bootstrapCommand(cmd *cobra.Command, _ []string) error {
	ctx := commandExecutionContext{
		CommandPath:       cmd.CommandPath(),
		UsesStructuredLog: commandUsesStructuredLogging(cmd),
	}
	setCommandExecutionContext(ctx)
	if !ctx.UsesStructuredLog {
		return nil
	}
	_, err := logging.BootstrapFromEnv(logging.BootstrapOptions{Command: ctx.CommandPath})
	return err
}
