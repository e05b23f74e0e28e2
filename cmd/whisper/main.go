// Command whisper runs the chat server.
package main

import (
	"os"

	"whisper/cmd/internal/app"
)

func main() {
	// Run logs its own failures.
	if err := app.Run(); err != nil {
		os.Exit(1)
	}
}
