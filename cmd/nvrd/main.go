package main

import (
	"os"

	"github.com/openhaus/nvrd/cmd/nvrd/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
