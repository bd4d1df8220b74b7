// Package main is the entry point of the archive server.
package main

import "github.com/oshokin/build-archive/cmd/archive-server/cmd"

func main() {
	cmd.Execute()
}
