// Package main is the entry point for the adalog recorder.
package main

import (
	"os"

	"adalog/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
