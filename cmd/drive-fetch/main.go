package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"

	"github.com/ontahood/drive-fetch/cmd"
	"github.com/ontahood/drive-fetch/pkg/buildinfo"
	"github.com/ontahood/drive-fetch/pkg/engine"
	"github.com/ontahood/drive-fetch/pkg/flagparse"
	"github.com/ontahood/drive-fetch/pkg/plog"
)

// run dispatches the parsed subcommand. It returns an error for main to turn
// into the exit code.
func run(ctx context.Context) error {
	command, flagMap, err := flagparse.Parse(os.Args[1:])
	if err != nil {
		return err
	}

	switch command {
	case flagparse.None:
		// Help was printed by the parser.
		return nil
	case flagparse.Version:
		return cmd.RunVersion(buildinfo.Name, buildinfo.Version)
	case flagparse.Init:
		return cmd.RunInit(ctx, flagMap)
	case flagparse.Fetch:
		return cmd.RunFetch(ctx, flagMap)
	case flagparse.Prescan:
		return cmd.RunPrescan(ctx, flagMap)
	case flagparse.Convert:
		return cmd.RunConvert(ctx, flagMap)
	case flagparse.Retry:
		return cmd.RunRetry(ctx, flagMap)
	default:
		return fmt.Errorf("internal error: unknown command %d", command)
	}
}

func main() {
	// Cancel the run context on the first interrupt; a second interrupt
	// kills the process the hard way.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, os.Interrupt)
	go func() {
		<-sigCh
		plog.Warn("interrupt received, finishing in-flight downloads")
		cancel()
		<-sigCh
		plog.Error("second interrupt, aborting")
		os.Exit(1)
	}()

	if err := run(ctx); err != nil {
		if errors.Is(err, engine.ErrPartial) {
			plog.Warn(buildinfo.Name+" finished with failures", "error", err)
			os.Exit(2)
		}
		plog.Error(buildinfo.Name+" exited with error", "error", err)
		os.Exit(1)
	}
}
