package main

import (
	"fmt"
	"os"

	"github.com/qualys/envdb/internal/cli"
)

var (
	version   = "dev"
	buildTime = "unknown"
)

func main() {
	root := cli.NewRootCommand()
	root.Version = fmt.Sprintf("%s (built %s)", version, buildTime)

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(cli.GetExitCode(err))
	}
}
