// Command pocketlm runs on-device text generation, benchmarks and the
// generation servers.
package main

import (
	"os"

	"PocketLM/internal/cli"
)

func main() {
	os.Exit(cli.Execute())
}
