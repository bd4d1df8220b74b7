// Package client talks to a running archive server over HTTP.
//
// Client wraps the request surface; the command helpers back the archive-ctl
// subcommands and report their results through the logger.
package client
