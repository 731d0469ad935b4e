package main

import (
	"os"

	"github.com/spawnhq/spawn/internal/cli"
)

func main() {
	os.Exit(cli.Execute())
}
