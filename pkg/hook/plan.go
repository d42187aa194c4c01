package hook

// Plan describes the shell commands to run around a mirror run.
type Plan struct {
	Enabled bool

	PreRunCommands  []string
	PostRunCommands []string

	// Global Flags
	DryRun   bool
	FailFast bool
}
