// Command concierge runs the session-bound agent orchestrator.
package main

import (
	"fmt"
	"os"

	"github.com/harun/concierge/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
