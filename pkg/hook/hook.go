// Package hook runs user-configured shell commands before and after a run,
// for things like mounting a network share or kicking off an indexer.
package hook

import (
	"context"
	"fmt"
	"os"
	"os/exec"

	"github.com/ontahood/drive-fetch/pkg/hints"
	"github.com/ontahood/drive-fetch/pkg/plog"
)

var ErrNothingToExecute = hints.New("nothing to execute")
var ErrDisabled = hints.New("hook execution is disabled")

type HookExecutor struct {
	// commandContext allows mocking os/exec for testing hooks.
	commandContext func(ctx context.Context, name string, arg ...string) *exec.Cmd
}

// NewHookExecutor creates a new HookExecutor. Pass exec.CommandContext
// outside of tests.
func NewHookExecutor(commandContext func(ctx context.Context, name string, arg ...string) *exec.Cmd) *HookExecutor {
	return &HookExecutor{
		commandContext: commandContext,
	}
}

// RunPreHook executes the plan's pre-run commands.
func (e *HookExecutor) RunPreHook(ctx context.Context, runName string, p *Plan) error {
	if !p.Enabled {
		return ErrDisabled
	}
	if len(p.PreRunCommands) == 0 {
		return ErrNothingToExecute
	}

	plog.Info(fmt.Sprintf("Running pre-%s hook commands", runName))
	return e.runCommands(ctx, p, p.PreRunCommands)
}

// RunPostHook executes the plan's post-run commands.
func (e *HookExecutor) RunPostHook(ctx context.Context, runName string, p *Plan) error {
	if !p.Enabled {
		return ErrDisabled
	}
	if len(p.PostRunCommands) == 0 {
		return ErrNothingToExecute
	}

	plog.Info(fmt.Sprintf("Running post-%s hook commands", runName))
	return e.runCommands(ctx, p, p.PostRunCommands)
}

func (e *HookExecutor) runCommands(ctx context.Context, p *Plan, commands []string) error {
	for _, hookCommand := range commands {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if p.DryRun {
			plog.Info("[DRY RUN] Executing command", "command", hookCommand)
			continue
		}
		plog.Info("Executing command", "command", hookCommand)

		cmd := e.createCommand(ctx, hookCommand)

		// Pipe output through for visibility
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr

		if err := cmd.Run(); err != nil {
			// A canceled context can surface as a generic exec error from
			// cmd.Wait(). Report the cancellation itself in that case.
			if ctx.Err() == context.Canceled {
				return context.Canceled
			}
			if p.FailFast {
				return fmt.Errorf("command '%s' failed: %w", hookCommand, err)
			}
			plog.Warn("Hook command failed", "command", hookCommand, "error", err)
		}
	}
	return nil
}
