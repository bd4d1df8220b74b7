// Package archive exposes the archive service over HTTP.
//
// Handlers translate requests into Archiver calls and results into status
// codes; they carry no logic of their own.
package archive
