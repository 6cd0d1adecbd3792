// Package main is the entry point for the upscalarr application.
package main

import (
	"os"

	"github.com/upscalarr/upscalarr/cmd/upscalarr/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
