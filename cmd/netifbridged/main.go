package main

import (
	"os"

	"github.com/postalsys/netifbridge/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
