package main

import (
	"os"

	"github.com/peril-lol/rshare/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
