// Command cadence runs the sequence automation engine.
package main

import (
	"fmt"
	"os"

	"github.com/opencode-ai/cadence/internal/cli"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	if err := cli.Execute(version); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
