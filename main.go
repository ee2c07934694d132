package main

import (
	"os"

	"github.com/opsforge/rebuildd/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
