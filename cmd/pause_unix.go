//go:build !windows

package cmd

import (
	"os"
	"os/signal"

	"golang.org/x/sys/unix"

	"github.com/ontahood/drive-fetch/pkg/plog"
	"github.com/ontahood/drive-fetch/pkg/runstate"
)

// watchPauseSignal toggles the download gate on SIGUSR1, so a long run can be
// paused and resumed from outside (kill -USR1 <pid>).
func watchPauseSignal(gate *runstate.Gate) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, unix.SIGUSR1)
	go func() {
		for range sigCh {
			if gate.Toggle() {
				plog.Info("downloads paused, send SIGUSR1 again to resume")
			} else {
				plog.Info("downloads resumed")
			}
		}
	}()
}
