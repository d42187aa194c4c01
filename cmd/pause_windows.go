//go:build windows

package cmd

import (
	"github.com/ontahood/drive-fetch/pkg/runstate"
)

// watchPauseSignal is a no-op on Windows, which has no user signals.
func watchPauseSignal(gate *runstate.Gate) {}
