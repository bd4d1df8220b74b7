package mirror

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"gocloud.dev/blob"
	_ "gocloud.dev/blob/fileblob" // file:// driver
	_ "gocloud.dev/blob/gcsblob"  // gs:// driver
	_ "gocloud.dev/blob/memblob"  // mem:// driver
	_ "gocloud.dev/blob/s3blob"   // s3:// driver
	"gocloud.dev/gcerrors"
)

// archiveContentType is set on every uploaded object.
const archiveContentType = "application/zip"

var errNoURL = errors.New("mirror URL is required")

// Bucket mirrors archives into a gocloud bucket.
type Bucket struct {
	bucket *blob.Bucket
}

// Open opens the bucket addressed by url.
func Open(ctx context.Context, url string) (*Bucket, error) {
	if url == "" {
		return nil, errNoURL
	}

	bucket, err := blob.OpenBucket(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("open bucket %s: %w", url, err)
	}

	return &Bucket{bucket: bucket}, nil
}

// Upload streams the file at path to key.
func (b *Bucket) Upload(ctx context.Context, key, path string) error {
	source, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}

	defer func() {
		_ = source.Close()
	}()

	w, err := b.bucket.NewWriter(ctx, key, &blob.WriterOptions{ContentType: archiveContentType})
	if err != nil {
		return fmt.Errorf("create writer for %s: %w", key, err)
	}

	if _, err = io.Copy(w, source); err != nil {
		_ = w.Close()
		return fmt.Errorf("write %s: %w", key, err)
	}

	if err = w.Close(); err != nil {
		return fmt.Errorf("close writer for %s: %w", key, err)
	}

	return nil
}

// Delete removes key. A missing key is not an error.
func (b *Bucket) Delete(ctx context.Context, key string) error {
	if err := b.bucket.Delete(ctx, key); err != nil {
		if gcerrors.Code(err) == gcerrors.NotFound {
			return nil
		}

		return fmt.Errorf("delete %s: %w", key, err)
	}

	return nil
}

// Close releases the bucket connection.
func (b *Bucket) Close() error {
	if b.bucket != nil {
		return b.bucket.Close()
	}

	return nil
}
