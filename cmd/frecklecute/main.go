// Command frecklecute runs a single frecklet. It is the same as
// `freckles frecklecute`.
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

// Version is set via ldflags during build.
var Version = "dev"

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := commands.ExecuteFrecklecute(ctx, Version); err != nil {
		fmt.Fprint(os.Stderr, ferr.Format(err))
		cancel()
		os.Exit(ferr.ExitCode(err))
	}
}
