package main

import (
	"os"

	"github.com/fmtd/fmtd/cli"
)

func main() {
	if err := cli.RootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
