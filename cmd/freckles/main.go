package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/freckles-io/freckles/cmd/freckles/commands"
	"github.com/freckles-io/freckles/pkg/ferr"
)

// Version information (set via ldflags during build)
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildDate = "unknown"
)

func main() {
	// Create context that cancels on interrupt signals
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := commands.Execute(ctx, Version, Commit, BuildDate); err != nil {
		fmt.Fprint(os.Stderr, ferr.Format(err))
		cancel()
		os.Exit(ferr.ExitCode(err))
	}
}
