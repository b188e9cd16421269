package main

import (
	"os"

	"github.com/driplinehq/dripline/cmd/driplinectl/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
