package main

import (
	"os"

	"github.com/rcliao/memblocks/internal/cli"
)

var version = "dev"

func main() {
	cli.Version = version
	if err := cli.RootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
