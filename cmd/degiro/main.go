// Command degiro holds a resilient session to a rate-limited trading
// endpoint.
package main

import (
	"os"

	"github.com/Whateverdoa/DEGIRO-2025/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
