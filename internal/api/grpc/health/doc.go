// Package health serves the standard gRPC health service for the archive server.
package health
