// Package main is the entry point for the hbak CLI.
package main

import (
	"fmt"
	"os"

	"github.com/fatih/color"

	"github.com/thoreinstein/hbak/cmd/hbak/commands"
	"github.com/thoreinstein/hbak/internal/errors"
)

func main() {
	err := commands.Execute()
	if err == nil {
		os.Exit(errors.ExitSuccess)
	}

	red := color.New(color.FgRed, color.Bold)
	fmt.Fprintf(os.Stderr, "%s %v\n", red.Sprint("Error:"), err)

	var exitErr *errors.ExitError
	if errors.As(err, &exitErr) && exitErr.Suggestion != "" {
		fmt.Fprintf(os.Stderr, "  %s\n", exitErr.Suggestion)
	}
	os.Exit(errors.CodeOf(err))
}
