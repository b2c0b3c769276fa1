package main

import (
	"fmt"
	"os"

	"github.com/worldmind/worldmind/internal/cmd"
)

func main() {
	rootCmd := cmd.NewRootCommand()

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(cmd.ExitCodeFor(err))
	}
}
