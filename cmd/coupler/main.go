// Package main provides the entry point for the coupler CLI tool.
package main

import (
	"fmt"
	"os"

	"github.com/couplegraph/coupler/cmd/coupler/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
