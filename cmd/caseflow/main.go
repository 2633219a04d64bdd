package main

import (
	"fmt"
	"os"

	"caseflow/internal/cli"
)

var version = "dev"

func main() {
	rootCmd := cli.BuildCLI()
	rootCmd.Version = version

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
