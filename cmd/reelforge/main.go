// Package main is the entry point for the reelforge application.
package main

import (
	"os"

	"github.com/jmylchreest/reelforge/cmd/reelforge/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
