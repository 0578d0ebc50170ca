// Package main provides the entry point for the tamizdat CLI.
package main

import (
	"os"

	"github.com/Aman-CERP/tamizdat/cmd/tamizdat/cmd"
)

func main() {
	os.Exit(cmd.Execute())
}
