package main

import (
	"os"

	"github.com/Dicklesworthstone/qgov/internal/cli"
	"github.com/Dicklesworthstone/qgov/internal/output"
)

func main() {
	if err := cli.Execute(); err != nil {
		_ = output.PrintError(err, cli.IsJSONOutput())
		os.Exit(1)
	}
}
