package packager

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zip"

	domain "github.com/oshokin/build-archive/internal/domain/archive"
	"github.com/oshokin/build-archive/internal/logger"
	"github.com/oshokin/build-archive/internal/repository/snapshot"
)

// Unpack extracts a published archive into dir and returns the manifest
// snapshot embedded under the buildID member.
//
// A missing archive yields a nil manifest and no error. Members that would
// escape dir are skipped. The snapshot member itself is not extracted.
func Unpack(ctx context.Context, archivePath, dir, buildID string) (*domain.ContentManifest, error) {
	reader, err := zip.OpenReader(archivePath)
	if reader == nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}

		return nil, fmt.Errorf("open archive: %w", err)
	}

	defer func() {
		_ = reader.Close()
	}()

	if err != nil {
		// Insecure member names are handled one by one below.
		logger.DebugKV(ctx, "Archive reader reported a warning", "error", err)
	}

	var (
		prior  *domain.ContentManifest
		buffer = make([]byte, copyBufferSize)
	)

	for _, file := range reader.File {
		if err = ctx.Err(); err != nil {
			return nil, err
		}

		if file.Name == buildID {
			if prior, err = readSnapshot(file); err != nil {
				logger.WarnKV(ctx, "Ignoring unreadable manifest snapshot", "error", err)
			}

			continue
		}

		if file.FileInfo().IsDir() {
			continue
		}

		if domain.IsSnapshotEntry(buildID, file.Name) {
			logger.WarnKV(ctx, "Skipping member that shadows the manifest snapshot", "member", file.Name)
			continue
		}

		dest, err := domain.StagedPath(dir, file.Name)
		if err != nil {
			logger.WarnKV(ctx, "Skipping unsafe archive member", "member", file.Name)
			continue
		}

		if err = extract(file, dest, buffer); err != nil {
			return nil, err
		}
	}

	return prior, nil
}

func readSnapshot(file *zip.File) (*domain.ContentManifest, error) {
	source, err := file.Open()
	if err != nil {
		return nil, err
	}

	defer func() {
		_ = source.Close()
	}()

	return snapshot.Decode(source)
}

func extract(file *zip.File, dest string, buffer []byte) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("create directory for %q: %w", file.Name, err)
	}

	source, err := file.Open()
	if err != nil {
		return fmt.Errorf("open member %q: %w", file.Name, err)
	}

	defer func() {
		_ = source.Close()
	}()

	target, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, defaultFileMode)
	if err != nil {
		return fmt.Errorf("create %q: %w", dest, err)
	}

	if _, err = io.CopyBuffer(target, source, buffer); err != nil {
		_ = target.Close()

		return fmt.Errorf("extract %q: %w", file.Name, err)
	}

	if err = target.Close(); err != nil {
		return fmt.Errorf("close %q: %w", dest, err)
	}

	// Keep the original modification time so access-based retention stays meaningful.
	_ = os.Chtimes(dest, file.Modified, file.Modified)

	return nil
}
