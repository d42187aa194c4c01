package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/ontahood/drive-fetch/pkg/buildinfo"
	"github.com/ontahood/drive-fetch/pkg/flagparse"
	"github.com/ontahood/drive-fetch/pkg/plog"
	"github.com/ontahood/drive-fetch/pkg/prescan"
	"github.com/ontahood/drive-fetch/pkg/util"
)

// ConfigFileName is the name of the configuration file.
const ConfigFileName = "drive-fetch.config.json"

// Preview widths outside this window either waste the thumbnailer or get
// rejected by it.
const (
	MinPreviewWidth = 32
	MaxPreviewWidth = 4096
)

// RootConfig names one remote folder to mirror. Folder accepts a share URL
// or a bare folder id.
type RootConfig struct {
	Label  string `json:"label"`
	Folder string `json:"folder"`
}

type PreviewConfig struct {
	// Originals fetches full-resolution images instead of previews. Width
	// is ignored while it is set.
	Originals bool `json:"originals"`
	// Width is the pixel width requested from the thumbnailer.
	Width int `json:"width"`
	// KeepOnConvert leaves previews in place when originals are fetched.
	KeepOnConvert bool `json:"keepOnConvert"`
}

type MediaConfig struct {
	// Videos and Documents toggle downloading of those kinds. Images are
	// always mirrored, previews or originals.
	Videos    bool `json:"videos"`
	Documents bool `json:"documents"`
}

type RunHooksConfig struct {
	// Note: omitempty is intentionally not used so that the hook fields
	// appear in the generated config file for better discoverability.
	// PreRun is a list of shell commands to execute before the run begins.
	// SECURITY: These commands are executed as provided. Ensure they are from a trusted source.
	PreRun []string `json:"preRun"`
	// PostRun is a list of shell commands to execute after the run finishes.
	// SECURITY: These commands are executed as provided. Ensure they are from a trusted source.
	PostRun []string `json:"postRun"`
}

type EnginePerformanceConfig struct {
	ImageWorkers int `json:"imageWorkers"`
	ScanWorkers  int `json:"scanWorkers"`
	// MinFreeSpaceMB is the free-space floor on the output volume, checked
	// before any download on top of the scan's expected byte total.
	MinFreeSpaceMB int `json:"minFreeSpaceMB"`
	// RetryAttempts overrides the per-chunk retry ceiling. 0 keeps the default.
	RetryAttempts int  `json:"retryAttempts"`
	Metrics       bool `json:"metrics"`
	// FailFast aborts the run when a pre-run hook command fails.
	FailFast bool `json:"failFast"`
}

type AuthConfig struct {
	// Token is an access token passed directly. Never written to the
	// config file.
	Token string `json:"-"`
	// TokenFile points at a file holding the access token. The file is
	// re-read periodically so an external refresher can rotate it.
	TokenFile string `json:"tokenFile"`
}

type LogFileConfig struct {
	// Note: omitempty is intentionally not used so that the log fields
	// appear in the generated config file for better discoverability.
	Enabled   bool   `json:"enabled"`
	Path      string `json:"path"`
	MaxSizeMB int    `json:"maxSizeMB"`
	Backups   int    `json:"backups"`
}

type RuntimeConfig struct {
	Mode   string
	DryRun bool
}

type Config struct {
	Version    string                  `json:"version"`
	OutputRoot string                  `json:"-"` // Never added to config file
	Runtime    RuntimeConfig           `json:"-"` // Never added to config file
	LogLevel   string                  `json:"logLevel"`
	Quiet      bool                    `json:"quiet"`
	Roots      []RootConfig            `json:"roots"`
	Media      MediaConfig             `json:"media"`
	Preview    PreviewConfig           `json:"preview"`
	Engine     EnginePerformanceConfig `json:"engine"`
	Hooks      RunHooksConfig          `json:"hooks"`
	Auth       AuthConfig              `json:"auth"`
	LogFile    LogFileConfig           `json:"logFile"`
}

// NewDefault creates and returns a Config struct with sensible default values.
func NewDefault() Config {
	return Config{
		Version:    buildinfo.Version,
		OutputRoot: "",     // Intentionally empty to force user configuration.
		LogLevel:   "info", // Default log level.
		Runtime: RuntimeConfig{
			Mode:   "fetch", // Default mode
			DryRun: false,
		},
		Roots: []RootConfig{}, // User-defined list of remote folders.
		Media: MediaConfig{
			Videos:    true,
			Documents: true,
		},
		Preview: PreviewConfig{
			Originals:     false,
			Width:         400, // Large enough for screen review, small enough to stay cheap.
			KeepOnConvert: false,
		},
		Engine: EnginePerformanceConfig{
			ImageWorkers:   0, // 0 picks the engine default. Previews are small, parallelism is cheap.
			ScanWorkers:    0, // 0 picks the scanner default.
			MinFreeSpaceMB: 512,
			Metrics:        true, // Default to enabled for the end-of-run transfer counters.
			FailFast:       false,
		},
		Hooks: RunHooksConfig{
			PreRun:  []string{},
			PostRun: []string{},
		},
		Auth: AuthConfig{
			TokenFile: "", // Intentionally empty to force user configuration.
		},
		LogFile: LogFileConfig{
			Enabled:   false,
			Path:      "", // Empty resolves to <output>/drive-fetch.log when enabled.
			MaxSizeMB: 10,
			Backups:   3,
		},
	}
}

// Load attempts to load a configuration from "drive-fetch.config.json" in the
// output root. If the file doesn't exist, it returns the default config
// without an error. If the file exists but fails to parse, it returns an
// error and a zero-value config.
func Load(outputRoot string) (Config, error) {
	absOutputRoot, err := filepath.Abs(outputRoot)
	if err != nil {
		return Config{}, fmt.Errorf("could not determine absolute path for load directory %s: %w", outputRoot, err)
	}

	configPath := filepath.Join(absOutputRoot, ConfigFileName)

	file, err := os.Open(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			cfg := NewDefault()
			cfg.OutputRoot = absOutputRoot
			return cfg, nil // Config file doesn't exist, which is a normal case.
		}
		return Config{}, fmt.Errorf("error opening config file %s: %w", configPath, err)
	}
	defer file.Close()

	plog.Info("Loading configuration", "path", configPath)
	// Start with default values, then overwrite with the file's content.
	// This makes the config loading resilient to missing fields in the JSON file.
	// NOTE: if config.Version differs from appVersion we can add a migration step here.
	config := NewDefault()
	decoder := json.NewDecoder(file)
	if err := decoder.Decode(&config); err != nil {
		return Config{}, fmt.Errorf("error parsing config file %s: %w", configPath, err)
	}

	config.OutputRoot = absOutputRoot
	if config.Version != buildinfo.Version {
		config.Version = buildinfo.Version
	}
	return config, nil
}

// Generate creates or overwrites a default drive-fetch.config.json file in
// the config's output root.
func Generate(configToGenerate Config) error {
	configPath := filepath.Join(configToGenerate.OutputRoot, ConfigFileName)
	jsonData, err := json.MarshalIndent(configToGenerate, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal default config to JSON: %w", err)
	}

	if err := os.WriteFile(configPath, jsonData, util.UserWritableFilePerms); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	plog.Info("Successfully saved config file", "path", configPath)
	return nil
}

// Validate checks the configuration for logical errors and inconsistencies.
// checkRoots enforces a non-empty, resolvable root list; init skips it.
func (c *Config) Validate(checkRoots bool) error {
	if c.OutputRoot == "" {
		return fmt.Errorf("output path cannot be empty")
	}

	var err error
	c.OutputRoot, err = util.ExpandPath(c.OutputRoot)
	if err != nil {
		return fmt.Errorf("could not expand output path: %w", err)
	}
	c.OutputRoot = filepath.Clean(c.OutputRoot)

	if checkRoots {
		if len(c.Roots) == 0 {
			return fmt.Errorf("at least one remote folder must be configured")
		}
		if _, err := c.ResolveRoots(); err != nil {
			return err
		}
	}

	seen := make(map[string]bool, len(c.Roots))
	for i, root := range c.Roots {
		label := root.effectiveLabel(i)
		if strings.ContainsAny(label, `\/`) {
			return fmt.Errorf("root label %q cannot contain path separators ('/' or '\\')", label)
		}
		if seen[label] {
			return fmt.Errorf("duplicate root label %q", label)
		}
		seen[label] = true
	}

	if c.Preview.Width < MinPreviewWidth || c.Preview.Width > MaxPreviewWidth {
		return fmt.Errorf("preview.width must be between %d and %d", MinPreviewWidth, MaxPreviewWidth)
	}
	if c.Engine.ImageWorkers < 0 {
		return fmt.Errorf("engine.imageWorkers cannot be negative")
	}
	if c.Engine.ScanWorkers < 0 {
		return fmt.Errorf("engine.scanWorkers cannot be negative")
	}
	if c.Engine.MinFreeSpaceMB < 0 {
		return fmt.Errorf("engine.minFreeSpaceMB cannot be negative")
	}
	if c.Engine.RetryAttempts < 0 {
		return fmt.Errorf("engine.retryAttempts cannot be negative")
	}

	if c.Runtime.Mode != "init" && c.Auth.Token == "" && c.Auth.TokenFile == "" {
		return fmt.Errorf("either auth.tokenFile or the -token flag must be provided")
	}
	if c.LogFile.Enabled {
		if c.LogFile.MaxSizeMB <= 0 {
			return fmt.Errorf("logFile.maxSizeMB must be greater than 0")
		}
		if c.LogFile.Backups < 1 {
			return fmt.Errorf("logFile.backups must be at least 1")
		}
	}
	return nil
}

// ResolveRoots converts the configured folder references into scanner roots,
// extracting folder ids out of share URLs.
func (c *Config) ResolveRoots() ([]prescan.Root, error) {
	roots := make([]prescan.Root, 0, len(c.Roots))
	for i, root := range c.Roots {
		id, err := util.ExtractFolderID(root.Folder)
		if err != nil {
			return nil, fmt.Errorf("root %q: %w", root.effectiveLabel(i), err)
		}
		roots = append(roots, prescan.Root{
			Label:    root.effectiveLabel(i),
			FolderID: id,
		})
	}
	return roots, nil
}

// effectiveLabel falls back to a positional name when the user gave none.
func (r RootConfig) effectiveLabel(index int) string {
	if r.Label != "" {
		return r.Label
	}
	return fmt.Sprintf("folder-%d", index+1)
}

// ResolvedLogPath returns the log file path, defaulting into the output root.
func (c *Config) ResolvedLogPath() string {
	if c.LogFile.Path != "" {
		return c.LogFile.Path
	}
	return filepath.Join(c.OutputRoot, "drive-fetch.log")
}

// LogSummary prints a user-friendly summary of the configuration.
func (c *Config) LogSummary() {
	logArgs := []interface{}{
		"mode", c.Runtime.Mode,
		"log_level", c.LogLevel,
		"output", c.OutputRoot,
		"dry_run", c.Runtime.DryRun,
		"roots", len(c.Roots),
		"originals", c.Preview.Originals,
		"preview_width", c.Preview.Width,
		"image_workers", c.Engine.ImageWorkers,
		"scan_workers", c.Engine.ScanWorkers,
		"min_free_space_mb", c.Engine.MinFreeSpaceMB,
		"metrics", c.Engine.Metrics,
		"videos", c.Media.Videos,
		"documents", c.Media.Documents,
	}
	if len(c.Hooks.PreRun) > 0 {
		logArgs = append(logArgs, "pre_run_hooks", strings.Join(c.Hooks.PreRun, "; "))
	}
	if len(c.Hooks.PostRun) > 0 {
		logArgs = append(logArgs, "post_run_hooks", strings.Join(c.Hooks.PostRun, "; "))
	}
	if names := c.rootLabels(); len(names) > 0 {
		logArgs = append(logArgs, "root_labels", strings.Join(names, ", "))
	}
	if c.Auth.TokenFile != "" {
		logArgs = append(logArgs, "token_file", c.Auth.TokenFile)
	}
	if c.LogFile.Enabled {
		logSummary := fmt.Sprintf("enabled (p:%s s:%dMB b:%d)",
			c.ResolvedLogPath(), c.LogFile.MaxSizeMB, c.LogFile.Backups)
		logArgs = append(logArgs, "log_file", logSummary)
	}
	plog.Info("Configuration loaded", logArgs...)
}

func (c *Config) rootLabels() []string {
	labels := make([]string, 0, len(c.Roots))
	for i, root := range c.Roots {
		labels = append(labels, root.effectiveLabel(i))
	}
	return labels
}

// MinFreeSpaceBytes converts the configured megabyte floor to bytes.
func (c *Config) MinFreeSpaceBytes() int64 {
	return int64(c.Engine.MinFreeSpaceMB) * 1024 * 1024
}

// MergeConfigWithFlags overlays the configuration values from flags on top of
// a base configuration. It iterates over the setFlags map, which contains only
// the flags explicitly provided by the user on the command line.
func MergeConfigWithFlags(command flagparse.Command, base Config, setFlags map[string]any) Config {
	merged := base

	for name, value := range setFlags {
		switch name {
		case "output":
			merged.OutputRoot = value.(string)
		case "log-level":
			merged.LogLevel = value.(string)
		case "quiet":
			merged.Quiet = value.(bool)
		case "dry-run":
			merged.Runtime.DryRun = value.(bool)
		case "folders":
			merged.Roots = rootsFromFlag(value.([]string))
		case "preview-width":
			merged.Preview.Width = value.(int)
		case "originals":
			merged.Preview.Originals = value.(bool)
		case "keep-previews":
			switch command {
			case flagparse.Convert:
				merged.Preview.KeepOnConvert = value.(bool)
			default:
			}
		case "image-workers":
			merged.Engine.ImageWorkers = value.(int)
		case "scan-workers":
			merged.Engine.ScanWorkers = value.(int)
		case "min-free-space-mb":
			merged.Engine.MinFreeSpaceMB = value.(int)
		case "retry-attempts":
			merged.Engine.RetryAttempts = value.(int)
		case "videos":
			merged.Media.Videos = value.(bool)
		case "documents":
			merged.Media.Documents = value.(bool)
		case "metrics":
			merged.Engine.Metrics = value.(bool)
		case "fail-fast":
			merged.Engine.FailFast = value.(bool)
		case "pre-run-hooks":
			merged.Hooks.PreRun = value.([]string)
		case "post-run-hooks":
			merged.Hooks.PostRun = value.([]string)
		case "token":
			merged.Auth.Token = value.(string)
		case "token-file":
			merged.Auth.TokenFile = value.(string)
		case "log-file":
			merged.LogFile.Enabled = value.(bool)
		case "log-file-path":
			merged.LogFile.Path = value.(string)
		case "log-file-max-size-mb":
			merged.LogFile.MaxSizeMB = value.(int)
		case "log-file-backups":
			merged.LogFile.Backups = value.(int)
		default:
			plog.Debug("unhandled flag in MergeConfigWithFlags", "flag", name)
		}
	}
	return merged
}

// rootsFromFlag parses "label=folder" entries, the label being optional.
func rootsFromFlag(entries []string) []RootConfig {
	roots := make([]RootConfig, 0, len(entries))
	for _, entry := range entries {
		label, folder, found := strings.Cut(entry, "=")
		if !found || strings.Contains(label, "/") {
			// A bare URL or id; '=' inside URLs never precedes the first '/'.
			roots = append(roots, RootConfig{Folder: entry})
			continue
		}
		roots = append(roots, RootConfig{Label: label, Folder: folder})
	}
	return roots
}
