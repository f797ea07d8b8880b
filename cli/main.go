package main

import (
	"fmt"
	"os"

	"github.com/awnumar/memguard"
	"southwinds.dev/coffer/cli/cmd"
)

func main() {
	// wipe guarded buffers if the process is interrupted
	memguard.CatchInterrupt()
	defer memguard.Purge()

	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		memguard.Purge()
		os.Exit(1)
	}
}
