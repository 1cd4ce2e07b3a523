// Package main is the entry point for the callbridge call bridge daemon and CLI.
package main

import (
	"fmt"
	"os"

	"firestige.xyz/callbridge/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
