// Package mirror copies published archives to a blob bucket.
//
// Buckets are opened by URL through gocloud.dev, so file://, mem://, gs://
// and s3:// destinations all work without code changes.
package mirror
