// Package main is the entry point for the replyhive CLI.
package main

import (
	"os"

	"github.com/replyhive/replyhive/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
