package main

import (
	"context"
	"os"

	"github.com/agentic-research/zlibmeta/cmd"
)

// version is overridden at build time with -ldflags "-X main.version=...".
var version = "0.1.0"

func main() {
	if err := cmd.Execute(context.Background(), version); err != nil {
		os.Exit(1)
	}
}
