// Package main is the entry point for the geon CLI.
package main

import (
	"os"

	"github.com/bygeon/geon/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
