// Package integrity computes digests of large files in bounded memory and
// guards destructive operations with them.
package integrity

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// DefaultWindow is the number of bytes hashed between cancellation checks.
const DefaultWindow int64 = 100 << 20

// ErrMismatch is returned when a file does not have the expected digest.
var ErrMismatch = errors.New("digest mismatch")

// Checker hashes files window by window.
type Checker struct {
	// window is the number of bytes read per step.
	window int64
}

// NewChecker creates a Checker reading window bytes per step.
func NewChecker(window int64) *Checker {
	if window <= 0 {
		window = DefaultWindow
	}

	return &Checker{window: window}
}

// Digest returns the hex-encoded SHA-256 of the file at path.
func (c *Checker) Digest(ctx context.Context, path string) (string, error) {
	file, err := os.Open(filepath.Clean(path))
	if err != nil {
		return "", err
	}

	defer func() {
		_ = file.Close()
	}()

	hasher := sha256.New()

	for {
		if err = ctx.Err(); err != nil {
			return "", err
		}

		// CopyN reports io.EOF once the file ends inside the window.
		if _, err = io.CopyN(hasher, file, c.window); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}

			return "", fmt.Errorf("hash %s: %w", path, err)
		}
	}

	return hex.EncodeToString(hasher.Sum(nil)), nil
}

// Verify returns ErrMismatch unless the file at path has the expected digest.
// Hex digits are compared case-insensitively.
func (c *Checker) Verify(ctx context.Context, path, expected string) error {
	actual, err := c.Digest(ctx, path)
	if err != nil {
		return err
	}

	if !strings.EqualFold(actual, strings.TrimSpace(expected)) {
		return fmt.Errorf("%w: expected %s, actual %s", ErrMismatch, expected, actual)
	}

	return nil
}

// RemoveIfMatches deletes the file only when its digest equals expected.
// It returns ErrMismatch and leaves the file untouched otherwise.
func (c *Checker) RemoveIfMatches(ctx context.Context, path, expected string) error {
	if err := c.Verify(ctx, path, expected); err != nil {
		return err
	}

	return os.Remove(path)
}
