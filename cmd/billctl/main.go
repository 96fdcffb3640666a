// Package main is the entry point for the billctl operator CLI.
package main

import (
	"os"

	"github.com/warp/unit-billing/cmd/billctl/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
