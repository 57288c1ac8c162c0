// Package main provides the entry point for the coderag CLI.
package main

import (
	"os"

	"github.com/coderag/coderag/cmd/coderag/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
