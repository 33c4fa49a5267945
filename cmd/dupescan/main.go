// Package main provides the dupescan CLI entry point.
// dupescan finds duplicate files in a remote collection using the content
// hashes the remote already reports, and can move the extra copies to trash.
package main

import (
	"fmt"
	"os"

	"github.com/dupescan/dupescan/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
