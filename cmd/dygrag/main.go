// Package main is the dygrag command line.
//
// Usage:
//
//	dygrag [flags] <command> [args]
//
// Commands:
//
//	insert       - Index text files or a corpus JSON file
//	query        - Answer a question from the index
//	cluster      - Re-run clustering and refresh community reports
//	communities  - List community reports
package main

import (
	"fmt"
	"os"

	"github.com/OFFIS-RIT/dygrag/cmd/dygrag/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
