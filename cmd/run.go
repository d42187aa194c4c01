// Package cmd implements the CLI subcommands. Each RunX function receives the
// flag map produced by flagparse and owns config loading, validation, locking
// and engine wiring for its command.
package cmd

import (
	"context"
	"fmt"
	"os/exec"
	"time"

	"github.com/ontahood/drive-fetch/pkg/backoff"
	"github.com/ontahood/drive-fetch/pkg/buildinfo"
	"github.com/ontahood/drive-fetch/pkg/config"
	"github.com/ontahood/drive-fetch/pkg/drive"
	"github.com/ontahood/drive-fetch/pkg/engine"
	"github.com/ontahood/drive-fetch/pkg/flagparse"
	"github.com/ontahood/drive-fetch/pkg/hints"
	"github.com/ontahood/drive-fetch/pkg/hook"
	"github.com/ontahood/drive-fetch/pkg/lockfile"
	"github.com/ontahood/drive-fetch/pkg/plog"
)

// loadRunConfig loads the config from the output directory, overlays the
// flags, validates and applies the logging settings.
func loadRunConfig(command flagparse.Command, flagMap map[string]interface{}, checkRoots bool) (config.Config, error) {
	outputPath, ok := flagMap["output"].(string)
	if !ok || outputPath == "" {
		return config.Config{}, fmt.Errorf("the -output flag is required to run %s", command)
	}

	// Load config from the output directory, or use defaults if not found.
	loadedConfig, err := config.Load(outputPath)
	if err != nil {
		return config.Config{}, fmt.Errorf("failed to load configuration from output: %w", err)
	}

	// Merge the flag values over the loaded config to get the final run config.
	runConfig := config.MergeConfigWithFlags(command, loadedConfig, flagMap)
	runConfig.Runtime.Mode = command.String()

	// CRITICAL: Validate the config for the run
	if err := runConfig.Validate(checkRoots); err != nil {
		return config.Config{}, err
	}

	// Set the global log level based on the final configuration.
	plog.SetLevel(plog.LevelFromString(runConfig.LogLevel))
	plog.SetQuiet(runConfig.Quiet)
	if runConfig.LogFile.Enabled {
		maxBytes := int64(runConfig.LogFile.MaxSizeMB) * 1024 * 1024
		if err := plog.EnableFile(runConfig.ResolvedLogPath(), maxBytes, runConfig.LogFile.Backups); err != nil {
			return config.Config{}, fmt.Errorf("failed to enable file logging: %w", err)
		}
	}

	runConfig.LogSummary()
	return runConfig, nil
}

// newRunner builds the API client and engine runner for a validated config.
func newRunner(runConfig config.Config) (*engine.Runner, error) {
	var token drive.TokenSource
	if runConfig.Auth.Token != "" {
		token = drive.StaticToken(runConfig.Auth.Token)
	} else {
		token = &drive.FileToken{Path: runConfig.Auth.TokenFile}
	}

	roots, err := runConfig.ResolveRoots()
	if err != nil {
		return nil, err
	}

	previewWidth := runConfig.Preview.Width
	if runConfig.Preview.Originals {
		previewWidth = 0 // Zero selects the full-resolution download path.
	}

	engineCfg := engine.Config{
		OutputRoot:    runConfig.OutputRoot,
		Roots:         roots,
		PreviewWidth:  previewWidth,
		ImageWorkers:  runConfig.Engine.ImageWorkers,
		ScanWorkers:   runConfig.Engine.ScanWorkers,
		MinFreeSpace:  runConfig.MinFreeSpaceBytes(),
		SkipVideos:    !runConfig.Media.Videos,
		SkipDocuments: !runConfig.Media.Documents,
		RetryAttempts: runConfig.Engine.RetryAttempts,
		Mode:          runConfig.Runtime.Mode,
		Metrics:       runConfig.Engine.Metrics,
		DryRun:        runConfig.Runtime.DryRun,
	}
	clientCfg := drive.ClientConfig{Token: token}
	if runConfig.Engine.RetryAttempts > 0 {
		clientCfg.Retry = backoff.New(runConfig.Engine.RetryAttempts)
	}
	runner := engine.New(engineCfg, drive.New(clientCfg))

	// Pause/resume signals reach the gate through the run state.
	watchPauseSignal(runner.State().Gate())
	return runner, nil
}

// withLock runs fn while holding the exclusive lock on the output directory,
// so two invocations never write into the same mirror.
func withLock(ctx context.Context, runConfig config.Config, fn func() error) error {
	appID := fmt.Sprintf("drive-fetch-%s:%s", runConfig.Runtime.Mode, runConfig.OutputRoot)
	lock, err := lockfile.Acquire(ctx, runConfig.OutputRoot, appID)
	if err != nil {
		return fmt.Errorf("failed to acquire lock on output directory: %w", err)
	}
	defer lock.Release()
	return fn()
}

// runWithHooks executes fn between the configured pre and post run commands.
// Hint errors (hooks not configured) are not failures. A failed post-run hook
// never masks the run's own error.
func runWithHooks(ctx context.Context, runConfig config.Config, fn func() error) error {
	executor := hook.NewHookExecutor(exec.CommandContext)
	plan := &hook.Plan{
		Enabled:         len(runConfig.Hooks.PreRun) > 0 || len(runConfig.Hooks.PostRun) > 0,
		PreRunCommands:  runConfig.Hooks.PreRun,
		PostRunCommands: runConfig.Hooks.PostRun,
		DryRun:          runConfig.Runtime.DryRun,
		FailFast:        runConfig.Engine.FailFast,
	}
	mode := runConfig.Runtime.Mode

	if err := executor.RunPreHook(ctx, mode, plan); err != nil && !hints.IsHint(err) {
		return fmt.Errorf("pre-run hook failed: %w", err)
	}

	runErr := fn()

	if err := executor.RunPostHook(ctx, mode, plan); err != nil && !hints.IsHint(err) {
		if runErr == nil {
			return fmt.Errorf("post-run hook failed: %w", err)
		}
		plog.Warn("post-run hook failed", "error", err)
	}
	return runErr
}

// RunFetch handles the logic for the main mirror execution.
func RunFetch(ctx context.Context, flagMap map[string]interface{}) error {
	runConfig, err := loadRunConfig(flagparse.Fetch, flagMap, true)
	if err != nil {
		return err
	}
	defer plog.CloseFile()

	runner, err := newRunner(runConfig)
	if err != nil {
		return err
	}

	startTime := time.Now()
	err = withLock(ctx, runConfig, func() error {
		return runWithHooks(ctx, runConfig, func() error {
			return runner.Run(ctx)
		})
	})
	duration := time.Since(startTime).Round(time.Millisecond)
	if err != nil {
		return err // The error will be logged with full details by main()
	}
	plog.Info(buildinfo.Name+" finished successfully.", "duration", duration)
	return nil
}

// RunPrescan handles the logic for the prescan command: a fetch pass with
// the dry-run switch forced on, so the scan reports expected counts and
// bytes without writing any payloads.
func RunPrescan(ctx context.Context, flagMap map[string]interface{}) error {
	flagMap["dry-run"] = true
	runConfig, err := loadRunConfig(flagparse.Prescan, flagMap, true)
	if err != nil {
		return err
	}
	defer plog.CloseFile()

	runner, err := newRunner(runConfig)
	if err != nil {
		return err
	}

	startTime := time.Now()
	err = withLock(ctx, runConfig, func() error {
		return runner.Run(ctx)
	})
	duration := time.Since(startTime).Round(time.Millisecond)
	if err != nil {
		return err
	}
	plog.Info(buildinfo.Name+" prescan finished.", "duration", duration)
	return nil
}

// RunConvert handles the logic for the convert command.
func RunConvert(ctx context.Context, flagMap map[string]interface{}) error {
	runConfig, err := loadRunConfig(flagparse.Convert, flagMap, false)
	if err != nil {
		return err
	}
	defer plog.CloseFile()

	runner, err := newRunner(runConfig)
	if err != nil {
		return err
	}

	startTime := time.Now()
	err = withLock(ctx, runConfig, func() error {
		return runWithHooks(ctx, runConfig, func() error {
			return runner.Convert(ctx, engine.ConvertOptions{
				KeepPreviews: runConfig.Preview.KeepOnConvert,
			})
		})
	})
	duration := time.Since(startTime).Round(time.Millisecond)
	if err != nil {
		return err
	}
	plog.Info(buildinfo.Name+" convert finished successfully.", "duration", duration)
	return nil
}

// RunRetry handles the logic for the retry command.
func RunRetry(ctx context.Context, flagMap map[string]interface{}) error {
	runConfig, err := loadRunConfig(flagparse.Retry, flagMap, false)
	if err != nil {
		return err
	}
	defer plog.CloseFile()

	runner, err := newRunner(runConfig)
	if err != nil {
		return err
	}

	startTime := time.Now()
	err = withLock(ctx, runConfig, func() error {
		return runWithHooks(ctx, runConfig, func() error {
			return runner.Retry(ctx)
		})
	})
	duration := time.Since(startTime).Round(time.Millisecond)
	if err != nil {
		return err
	}
	plog.Info(buildinfo.Name+" retry finished successfully.", "duration", duration)
	return nil
}
