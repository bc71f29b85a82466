package main

import (
	"os"

	"github.com/trncs/relayerd/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
