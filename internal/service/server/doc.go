// Package server assembles and runs the archive server process.
//
// Run loads the settings, claims the storage directory, recovers the statuses
// of published archives and serves the HTTP API, the optional gRPC health
// service and the scheduled retention sweep until its context ends.
package server
