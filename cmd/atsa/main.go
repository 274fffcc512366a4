package main

import (
	"os"

	"github.com/atsa-dev/atsa/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
