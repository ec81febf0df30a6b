package main

import (
	"os"

	_ "go.uber.org/automaxprocs"

	"github.com/example/storymap-studio/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
