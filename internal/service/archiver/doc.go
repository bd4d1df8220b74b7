// Package archiver sequences archive generations.
//
// A generation resets the staging workspace of a build, restores the files of
// the previously published archive, fetches the manifest entries, embeds the
// manifest snapshot and publishes a new archive. Generations of one build are
// serialized through a reference-counted lock table; generations of different
// builds run concurrently on a bounded pool.
//
// The Archiver also recovers completed statuses at startup, serves published
// archives, deletes them (optionally gated by a digest) and runs the
// access-time based retention sweep.
package archiver
