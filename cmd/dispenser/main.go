package main

import (
	"os"

	"github.com/spiretf/dispenser/cmd/dispenser/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
