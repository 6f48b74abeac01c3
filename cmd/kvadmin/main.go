// Package main provides the kvadmin command-line interface.
package main

import (
	"fmt"
	"os"

	"kvadmin/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
