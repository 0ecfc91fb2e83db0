package main

import (
	"os"

	"github.com/nmattis/ehrlichgpt/internal/ehrlich/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
