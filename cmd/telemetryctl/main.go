// Package main is the entry point for the telemetryctl operator binary.
package main

import (
	"os"

	"qazna.org/telemetry/internal/cli"
)

func main() {
	os.Exit(cli.Execute())
}
