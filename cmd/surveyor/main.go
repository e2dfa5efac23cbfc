// Package main is the entry point for the surveyor CLI.
package main

import (
	"os"

	"github.com/probelab/surveyor/cmd/surveyor/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
