// Package main provides the entry point for the sessionhub CLI.
package main

import (
	"fmt"
	"os"

	"github.com/sessionhub/sessionhub/cmd/sessionhub/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
