// Package main provides the entry point for the semafold CLI.
package main

import (
	"os"

	"github.com/semafold/semafold/cmd/semafold/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
