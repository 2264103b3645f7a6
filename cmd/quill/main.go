// Package main is the entry point for the quill CLI.
//
// Usage:
//
//	quill [flags] <command> [subcommand] [args]
//
// Commands:
//
//	run        - Start a live transcription session
//	speakers   - Manage the speaker database (list, forget, clear)
//	sessions   - Review recorded sessions (list, show)
//	version    - Show version information
package main

import (
	"fmt"
	"os"

	"github.com/quillaudio/quill/cmd/quill/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
