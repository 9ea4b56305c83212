package main

import (
	"os"

	"github.com/cyberdeck/telbridge/internal/cli"
)

func main() {
	os.Exit(cli.Run(os.Args[1:]))
}
