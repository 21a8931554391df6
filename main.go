// Package main is the entry point of the devtools command line.
package main

import "github.com/liuxd6825/devtools/cmd"

func main() {
	cmd.Execute()
}
