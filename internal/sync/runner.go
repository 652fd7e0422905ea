package sync

import (
	"context"
)

// Runner executes one pass of a periodic task.
type Runner interface {
	RunOnce(context.Context) error
}

// RunnerFunc adapts a function to Runner.
type RunnerFunc func(context.Context) error

func (f RunnerFunc) RunOnce(ctx context.Context) error { return f(ctx) }
