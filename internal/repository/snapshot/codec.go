package snapshot

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	domain "github.com/oshokin/build-archive/internal/domain/archive"
)

// defaultFileMode is used for snapshot files.
const defaultFileMode os.FileMode = 0o644

// ErrEmptySnapshot is returned when a snapshot holds no manifest.
var ErrEmptySnapshot = errors.New("snapshot is empty")

// Encode writes the manifest as JSON.
func Encode(w io.Writer, manifest *domain.ContentManifest) error {
	if manifest == nil {
		return ErrEmptySnapshot
	}

	if err := json.NewEncoder(w).Encode(manifest); err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}

	return nil
}

// Decode reads a manifest written by Encode.
func Decode(r io.Reader) (*domain.ContentManifest, error) {
	var manifest domain.ContentManifest

	if err := json.NewDecoder(r).Decode(&manifest); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, ErrEmptySnapshot
		}

		return nil, fmt.Errorf("decode snapshot: %w", err)
	}

	return &manifest, nil
}

// WriteFile stores the manifest at path through a temporary sibling and a rename.
func WriteFile(path string, manifest *domain.ContentManifest) error {
	path = filepath.Clean(path)

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create snapshot directory: %w", err)
	}

	tempPath := path + ".tmp"

	file, err := os.OpenFile(tempPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, defaultFileMode)
	if err != nil {
		return fmt.Errorf("create snapshot: %w", err)
	}

	if err = Encode(file, manifest); err != nil {
		_ = file.Close()
		_ = os.Remove(tempPath)

		return err
	}

	if err = file.Close(); err != nil {
		_ = os.Remove(tempPath)

		return fmt.Errorf("close snapshot: %w", err)
	}

	if err = os.Rename(tempPath, path); err != nil {
		_ = os.Remove(tempPath)

		return fmt.Errorf("rename snapshot: %w", err)
	}

	return nil
}
