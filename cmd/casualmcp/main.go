// Command casualmcp is the entry point for the casualmcp CLI.
package main

import (
	"os"

	"github.com/casualmcp/casualmcp/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
