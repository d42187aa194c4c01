package flagparse

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/ontahood/drive-fetch/pkg/buildinfo"
)

// cliFlags holds pointers to all possible command-line flags.
// Fields are pointers so we can distinguish between "not registered for this command" (nil)
// and "registered but not set by user" (non-nil pointer to zero value).
type cliFlags struct {
	// Global
	LogLevel *string
	Quiet    *bool
	DryRun   *bool

	// Shared across commands that touch the mirror
	Output       *string
	Token        *string
	TokenFile    *string
	Metrics      *bool
	FailFast     *bool
	PreRunHooks  *string
	PostRunHooks *string

	// Fetch / Init
	Folders        *string
	Originals      *bool
	PreviewWidth   *int
	ImageWorkers   *int
	ScanWorkers    *int
	MinFreeSpaceMB *int
	RetryAttempts  *int
	Videos         *bool
	Documents      *bool

	LogFileEnabled   *bool
	LogFilePath      *string
	LogFileMaxSizeMB *int
	LogFileBackups   *int

	// Convert specific
	KeepPreviews *bool

	// Init specific
	Force   *bool
	Default *bool
}

func registerGlobalFlags(fs *flag.FlagSet, f *cliFlags) {
	f.LogLevel = fs.String("log-level", "info", "Set the logging level: 'debug', 'notice', 'info', 'warn', 'error'.")
	f.Quiet = fs.Bool("quiet", false, "Suppress console output. File logging is unaffected.")
	f.DryRun = fs.Bool("dry-run", false, "Show what would be downloaded without making any changes.")
}

func registerMirrorFlags(fs *flag.FlagSet, f *cliFlags) {
	f.Output = fs.String("output", "", "Local directory the mirror is written to. (Required)")
	f.Token = fs.String("token", "", "Access token for the remote store. Overrides -token-file.")
	f.TokenFile = fs.String("token-file", "", "File holding the access token, re-read periodically.")
	f.Metrics = fs.Bool("metrics", false, "Enable the end-of-run transfer counters.")
	f.FailFast = fs.Bool("fail-fast", false, "Abort the run when a pre-run hook command fails.")
	f.PreRunHooks = fs.String("pre-run-hooks", "", "Comma-separated list of commands to run before the run.")
	f.PostRunHooks = fs.String("post-run-hooks", "", "Comma-separated list of commands to run after the run.")
}

func registerFetchFlags(fs *flag.FlagSet, f *cliFlags) {
	registerMirrorFlags(fs, f)
	f.Folders = fs.String("folders", "", "Comma-separated list of remote folders to mirror, each a share URL or folder id, optionally prefixed 'label='.")
	f.Originals = fs.Bool("originals", false, "Fetch full-resolution images instead of previews.")
	f.PreviewWidth = fs.Int("preview-width", 0, "Pixel width of image previews requested from the thumbnailer.")
	f.ImageWorkers = fs.Int("image-workers", 0, "Number of worker goroutines for preview downloads.")
	f.ScanWorkers = fs.Int("scan-workers", 0, "Number of worker goroutines for the pre-scan.")
	f.MinFreeSpaceMB = fs.Int("min-free-space-mb", 0, "Minimum free space in megabytes to keep on the output volume.")
	f.RetryAttempts = fs.Int("retry-attempts", 0, "Retry ceiling for a single download chunk. 0 keeps the default.")
	f.Videos = fs.Bool("videos", true, "Download video files.")
	f.Documents = fs.Bool("documents", true, "Download document files.")

	f.LogFileEnabled = fs.Bool("log-file", false, "Enable logging to a rotating file in the output directory.")
	f.LogFilePath = fs.String("log-file-path", "", "Log file path. Defaults to the output directory.")
	f.LogFileMaxSizeMB = fs.Int("log-file-max-size-mb", 0, "Maximum log file size in megabytes before rotation.")
	f.LogFileBackups = fs.Int("log-file-backups", 0, "Number of rotated log files to keep.")
}

func registerConvertFlags(fs *flag.FlagSet, f *cliFlags) {
	registerMirrorFlags(fs, f)
	f.KeepPreviews = fs.Bool("keep-previews", false, "Keep preview files after their originals have been fetched.")
	f.ImageWorkers = fs.Int("image-workers", 0, "Number of worker goroutines for preview downloads.")
}

func registerRetryFlags(fs *flag.FlagSet, f *cliFlags) {
	registerMirrorFlags(fs, f)
}

func registerInitFlags(fs *flag.FlagSet, f *cliFlags) {
	// Init supports the fetch flags (to seed the generated config) plus
	// 'force' and 'default'.
	registerFetchFlags(fs, f)
	f.Force = fs.Bool("force", false, "Bypass confirmation prompts.")
	f.Default = fs.Bool("default", false, "Overwrite existing configuration with defaults.")
}

// Parse parses the provided arguments (usually os.Args[1:]) and returns the command and config map.
func Parse(args []string) (Command, map[string]interface{}, error) {
	// If no arguments provided, print help and exit.
	if len(args) == 0 {
		fs := flag.NewFlagSet("main", flag.ContinueOnError)
		printTopLevelUsage(fs)
		return None, nil, nil
	}

	cmdStr := strings.ToLower(args[0])

	if cmdStr == "help" || cmdStr == "-h" || cmdStr == "-help" || cmdStr == "--help" {
		fs := flag.NewFlagSet("main", flag.ContinueOnError)
		printTopLevelUsage(fs)
		return None, nil, nil
	}

	f := &cliFlags{}

	command, err := ParseCommand(cmdStr)
	if err != nil {
		return None, nil, err
	}

	var register func(*flag.FlagSet, *cliFlags)
	var desc string
	switch command {
	case Fetch:
		register, desc = registerFetchFlags, "Mirror the configured remote folders to the output directory."
	case Prescan:
		register, desc = registerFetchFlags, "Scan the remote folders and report what a fetch would download, writing nothing."
	case Convert:
		register, desc = registerConvertFlags, "Replace downloaded previews with their full-resolution originals."
	case Retry:
		register, desc = registerRetryFlags, "Retry the items that failed in the previous run."
	case Init:
		register, desc = registerInitFlags, "Initialize a new mirror output directory."
	case Version:
		return command, nil, nil
	default:
		return None, nil, fmt.Errorf("unknown command: %s", args[0])
	}

	fs := flag.NewFlagSet(command.String(), flag.ContinueOnError)
	registerGlobalFlags(fs, f)
	register(fs, f)

	// Custom usage for the subcommand
	fs.Usage = func() {
		printSubcommandUsage(command, desc, fs)
	}

	if err := fs.Parse(args[1:]); err != nil {
		return command, nil, err
	}

	flagMap, err := flagsToMap(command, fs, f)
	return command, flagMap, err
}

func flagsToMap(c Command, fs *flag.FlagSet, f *cliFlags) (map[string]interface{}, error) {
	// Create a map of the flags that were explicitly set by the user, along with their values.
	// This map is used to selectively override the base configuration.
	usedFlags := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { usedFlags[f.Name] = true })

	flagMap := make(map[string]any)

	addIfUsed(flagMap, usedFlags, "log-level", f.LogLevel)
	addIfUsed(flagMap, usedFlags, "quiet", f.Quiet)
	addIfUsed(flagMap, usedFlags, "dry-run", f.DryRun)

	addIfUsed(flagMap, usedFlags, "output", f.Output)
	addIfUsed(flagMap, usedFlags, "token", f.Token)
	addIfUsed(flagMap, usedFlags, "token-file", f.TokenFile)
	addIfUsed(flagMap, usedFlags, "metrics", f.Metrics)
	addIfUsed(flagMap, usedFlags, "fail-fast", f.FailFast)

	addIfUsed(flagMap, usedFlags, "originals", f.Originals)
	addIfUsed(flagMap, usedFlags, "preview-width", f.PreviewWidth)
	addIfUsed(flagMap, usedFlags, "image-workers", f.ImageWorkers)
	addIfUsed(flagMap, usedFlags, "scan-workers", f.ScanWorkers)
	addIfUsed(flagMap, usedFlags, "min-free-space-mb", f.MinFreeSpaceMB)
	addIfUsed(flagMap, usedFlags, "retry-attempts", f.RetryAttempts)
	addIfUsed(flagMap, usedFlags, "videos", f.Videos)
	addIfUsed(flagMap, usedFlags, "documents", f.Documents)

	addIfUsed(flagMap, usedFlags, "log-file", f.LogFileEnabled)
	addIfUsed(flagMap, usedFlags, "log-file-path", f.LogFilePath)
	addIfUsed(flagMap, usedFlags, "log-file-max-size-mb", f.LogFileMaxSizeMB)
	addIfUsed(flagMap, usedFlags, "log-file-backups", f.LogFileBackups)

	addIfUsed(flagMap, usedFlags, "keep-previews", f.KeepPreviews)

	addIfUsed(flagMap, usedFlags, "force", f.Force)
	addIfUsed(flagMap, usedFlags, "default", f.Default)

	// Handle flags that require parsing/validation.
	addParsedIfUsed(flagMap, usedFlags, "folders", f.Folders, ParseFolderList)
	addParsedIfUsed(flagMap, usedFlags, "pre-run-hooks", f.PreRunHooks, ParseCmdList)
	addParsedIfUsed(flagMap, usedFlags, "post-run-hooks", f.PostRunHooks, ParseCmdList)

	return flagMap, nil
}

// addIfUsed adds the value of ptr to flagMap if ptr is not nil and the flag was set.
func addIfUsed[T any](flagMap map[string]interface{}, usedFlags map[string]bool, name string, ptr *T) {
	if ptr != nil && usedFlags[name] {
		flagMap[name] = *ptr
	}
}

// addParsedIfUsed adds the parsed value of ptr to flagMap if ptr is not nil and the flag was set.
func addParsedIfUsed(flagMap map[string]interface{}, usedFlags map[string]bool, name string, ptr *string, parser func(string) []string) {
	if ptr != nil && usedFlags[name] {
		flagMap[name] = parser(*ptr)
	}
}

// printTopLevelUsage prints the main help message.
func printTopLevelUsage(fs *flag.FlagSet) {
	execName := filepath.Base(os.Args[0])
	fmt.Fprintf(fs.Output(), "%s(%s) ", buildinfo.Name, buildinfo.Version)
	fmt.Fprintf(fs.Output(), "A resilient mirror for remote media folders.\n\n")
	fmt.Fprintf(fs.Output(), "Usage: %s <command> [flags]\n\n", execName)
	fmt.Fprintf(fs.Output(), "Commands:\n")
	fmt.Fprintf(fs.Output(), "  fetch       Mirror the configured remote folders\n")
	fmt.Fprintf(fs.Output(), "  prescan     Report what a fetch would download, writing nothing\n")
	fmt.Fprintf(fs.Output(), "  convert     Replace previews with full-resolution originals\n")
	fmt.Fprintf(fs.Output(), "  retry       Retry the items that failed in the previous run\n")
	fmt.Fprintf(fs.Output(), "  init        Initialize a new configuration\n")
	fmt.Fprintf(fs.Output(), "  version     Print the application version\n")
	fmt.Fprintf(fs.Output(), "\nRun '%s <command> -help' for more information on a command.\n", execName)
}

// printSubcommandUsage prints the help message for a specific subcommand.
func printSubcommandUsage(command Command, desc string, fs *flag.FlagSet) {
	execName := filepath.Base(os.Args[0])
	fmt.Fprintf(fs.Output(), "%s(%s) ", buildinfo.Name, buildinfo.Version)
	fmt.Fprintf(fs.Output(), "A resilient mirror for remote media folders.\n\n")
	fmt.Fprintf(fs.Output(), "Usage of the %s command: %s %s [flags]\n\n", command, execName, command)
	fmt.Fprintf(fs.Output(), "%s\n\n", desc)
	fmt.Fprintf(fs.Output(), "Flags:\n")
	fs.PrintDefaults()
}

// ParseFolderList parses a comma-separated list of folder references. Both
// single (') and double (") quotes group items containing commas; the quotes
// themselves are removed.
func ParseFolderList(s string) []string {
	return parseListInternal(s, false, false)
}

// ParseCmdList parses a comma-separated list of shell commands. Quotes are
// preserved and backslashes escape, both are passed through to the shell.
func ParseCmdList(s string) []string {
	return parseListInternal(s, true, true)
}

// parseListInternal is the core implementation for parsing a comma-separated list. It supports
// both single (') and double (") quotes to allow items to contain commas or spaces.
// - `keepQuotes`: Preserves quote characters in the output.
// - `handleEscapes`: Treats backslashes as escape characters.
func parseListInternal(s string, keepQuotes, handleEscapes bool) []string {
	var list []string
	var current strings.Builder
	var quoteChar rune

	// Helper to add the current buffered item to the list after trimming whitespace.
	appendItem := func() {
		trimmed := strings.TrimSpace(current.String())
		if trimmed != "" {
			list = append(list, trimmed)
		}
		current.Reset()
	}

	var isEscaped bool
	for _, r := range s {
		if isEscaped {
			current.WriteRune(r)
			isEscaped = false
			continue
		}

		switch {
		case r == '\\' && handleEscapes:
			isEscaped = true
			// For commands, we also keep the backslash for the shell to interpret.
			current.WriteRune(r)
		case r == '\'' || r == '"':
			if quoteChar == 0 { // Start of a new quoted section.
				quoteChar = r
				if keepQuotes {
					current.WriteRune(r)
				}
			} else if quoteChar == r { // End of the current quoted section.
				quoteChar = 0
				if keepQuotes {
					current.WriteRune(r)
				}
			} else { // A different quote character inside an existing quoted section.
				current.WriteRune(r) // Treat it as a literal character.
			}
		case r == ',' && quoteChar == 0: // Comma outside of any quotes.
			appendItem()
		default:
			current.WriteRune(r)
		}
	}
	appendItem() // Add the final item after the loop finishes.
	return list
}
