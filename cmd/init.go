package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ontahood/drive-fetch/pkg/buildinfo"
	"github.com/ontahood/drive-fetch/pkg/config"
	"github.com/ontahood/drive-fetch/pkg/flagparse"
	"github.com/ontahood/drive-fetch/pkg/lockfile"
	"github.com/ontahood/drive-fetch/pkg/plog"
	"github.com/ontahood/drive-fetch/pkg/preflight"
)

// RunInit handles the logic for the 'init' command.
func RunInit(ctx context.Context, flagMap map[string]interface{}) error {
	// For init, the output flag is mandatory to know where to look/write.
	outputPath, ok := flagMap["output"].(string)
	if !ok || outputPath == "" {
		return fmt.Errorf("the -output flag is required for the init operation")
	}

	absOutputPath, err := filepath.Abs(outputPath)
	if err != nil {
		return fmt.Errorf("could not determine absolute output path for %s: %w", outputPath, err)
	}

	var baseConfig config.Config

	// Check if init-default is set
	initDefault := false
	if v, ok := flagMap["default"]; ok {
		initDefault = v.(bool)
	}

	if initDefault {
		// Check for force flag to bypass confirmation
		force := false
		if f, ok := flagMap["force"]; ok {
			force = f.(bool)
		}

		if !force {
			absConfigFilePath := filepath.Join(absOutputPath, config.ConfigFileName)
			if _, err := os.Stat(absConfigFilePath); err == nil {
				fmt.Printf("WARNING: Configuration file already exists at %s.\n", absConfigFilePath)
				fmt.Printf("Using -default will overwrite it with default values. All custom settings will be lost.\n")
				if !PromptForConfirmation("Are you sure you want to continue?", false) {
					plog.Info(buildinfo.Name + " init operation canceled.")
					return nil
				}
			}
		}
		baseConfig = config.NewDefault()
		baseConfig.OutputRoot = absOutputPath
	} else {
		// Try to load existing config to preserve settings.
		// If it fails (e.g. corrupt JSON), we fall back to defaults.
		// Note: config.Load returns NewDefault() if the file simply doesn't exist.
		var err error
		baseConfig, err = config.Load(absOutputPath)
		if err != nil {
			plog.Warn("Could not load existing configuration, starting with defaults.", "reason", err)
			baseConfig = config.NewDefault()
			baseConfig.OutputRoot = absOutputPath
		}
	}

	// Create a config from base merged with user flags.
	runConfig := config.MergeConfigWithFlags(flagparse.Init, baseConfig, flagMap)
	runConfig.Runtime.Mode = "init"

	// CRITICAL: Validate the config for the run. Roots may still be empty at
	// init time, the user can add them to the generated file.
	if err := runConfig.Validate(false); err != nil {
		return err
	}

	startTime := time.Now()

	// Ensure the output directory exists (or can be created) and is writable.
	if err := preflight.CheckOutputRootWritable(runConfig.OutputRoot); err != nil {
		return fmt.Errorf("initialization preflight failed: %w", err)
	}

	if runConfig.Runtime.DryRun {
		plog.Info("[DRY RUN] Initialization complete. No changes made.")
		return nil
	}

	// Ensure exclusive access to the output directory.
	appID := fmt.Sprintf("drive-fetch-init:%s", runConfig.OutputRoot)
	lock, err := lockfile.Acquire(ctx, runConfig.OutputRoot, appID)
	if err != nil {
		return fmt.Errorf("failed to acquire lock on output directory: %w", err)
	}
	defer lock.Release()

	if err := config.Generate(runConfig); err != nil {
		return fmt.Errorf("failed to generate config file: %w", err)
	}

	duration := time.Since(startTime).Round(time.Millisecond)
	plog.Info(buildinfo.Name+" output successfully initialized.", "duration", duration)
	return nil
}

// PromptForConfirmation prompts the user for a yes/no response.
func PromptForConfirmation(prompt string, defaultYes bool) bool {
	suffix := "[y/N]"
	if defaultYes {
		suffix = "[Y/n]"
	}
	fmt.Printf("%s %s: ", prompt, suffix)

	var response string
	_, _ = fmt.Scanln(&response)
	response = strings.ToLower(strings.TrimSpace(response))

	if response == "" {
		return defaultYes
	}
	return response == "y" || response == "yes"
}
