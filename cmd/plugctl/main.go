package main

import (
	"os"

	"github.com/portalforge/plugctl/cmd/plugctl/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
