// Package fetcher downloads the entries of a content manifest into a staging
// workspace.
//
// Downloads run on a bounded pool shared by all generations and reuse one HTTP
// connection pool. Each call gets its own cookie store so a session opened with
// the upstream during one generation does not leak into another. Files are
// streamed to a temporary sibling and renamed into place, and a failed entry
// never aborts the rest of the batch.
package fetcher
