// Command whisperctl runs one-shot administrative tasks: seeding a database
// friend graph and migrating legacy chat files to the sharded layout.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, "whisperctl:", err)
		cancel()
		os.Exit(1)
	}
}
