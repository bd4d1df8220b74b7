// Package main is the entry point of the archive control tool.
package main

import "github.com/oshokin/build-archive/cmd/archive-ctl/cmd"

func main() {
	cmd.Execute()
}
