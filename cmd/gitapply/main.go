// Command gitapply applies git patches to a working tree or, with --tree or
// --check, to trees in the object database.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/asynkron/gitapply/internal/cli"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := cli.Run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}
