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
)

const (
	// copyBufferSize is the fixed buffer every member is streamed through.
	copyBufferSize = 64 << 10
	// defaultFileMode is used for archives.
	defaultFileMode os.FileMode = 0o644
)

// ErrNothingToPackage is returned when the staging workspace does not exist.
var ErrNothingToPackage = errors.New("nothing to package")

// member is one file going into the archive.
type member struct {
	// name is the member name inside the archive.
	name string
	// source is the staged file.
	source string
}

// Packager writes part archives from staging workspaces.
type Packager struct {
	// layout resolves staging and archive paths.
	layout domain.Layout
}

// NewPackager creates a Packager for the given storage layout.
func NewPackager(layout domain.Layout) *Packager {
	return &Packager{layout: layout}
}

// Package writes archive/{buildID}.part.zip from the staged entries and the
// manifest snapshot, then removes the staging workspace.
//
// Entries missing from the workspace are skipped. The part archive path is
// returned; ErrNothingToPackage means the workspace never existed.
func (p *Packager) Package(ctx context.Context, buildID string, entryPaths []string) (string, error) {
	stagingDir := p.layout.StagingDir(buildID)

	if _, err := os.Stat(stagingDir); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", ErrNothingToPackage
		}

		return "", fmt.Errorf("stat staging directory: %w", err)
	}

	members := p.collect(ctx, buildID, stagingDir, entryPaths)

	partPath := p.layout.PartPath(buildID)
	if err := os.MkdirAll(filepath.Dir(partPath), 0o755); err != nil {
		return "", fmt.Errorf("create archive directory: %w", err)
	}

	logger.InfoKV(ctx, "Writing archive", "path", partPath, "members", len(members))

	if err := writeArchive(ctx, partPath, members); err != nil {
		_ = os.Remove(partPath)

		return "", err
	}

	// The archive is now the only residence of the content.
	for _, m := range members {
		if err := os.Remove(m.source); err != nil && !errors.Is(err, os.ErrNotExist) {
			logger.WarnKV(ctx, "Failed to remove packaged file", "path", m.source, "error", err)
		}
	}

	if err := os.RemoveAll(stagingDir); err != nil {
		logger.WarnKV(ctx, "Failed to remove staging directory", "path", stagingDir, "error", err)
	}

	return partPath, nil
}

// collect resolves the members of the archive, skipping missing files.
func (p *Packager) collect(ctx context.Context, buildID, stagingDir string, entryPaths []string) []member {
	members := make([]member, 0, len(entryPaths)+1)
	seen := make(map[string]struct{}, len(entryPaths)+1)

	add := func(name, source string) {
		if _, dup := seen[name]; dup {
			return
		}

		info, err := os.Stat(source)
		if err != nil || !info.Mode().IsRegular() {
			logger.WarnKV(ctx, "Skipping missing archive member", "member", name)
			return
		}

		seen[name] = struct{}{}
		members = append(members, member{name: name, source: source})
	}

	for _, entryPath := range entryPaths {
		if domain.IsSnapshotEntry(buildID, entryPath) {
			logger.WarnKV(ctx, "Entry collides with the reserved snapshot member", "member", entryPath)
			continue
		}

		source, err := domain.StagedPath(stagingDir, entryPath)
		if err != nil {
			logger.WarnKV(ctx, "Skipping unsafe archive member", "member", entryPath, "error", err)
			continue
		}

		add(entryPath, source)
	}

	add(buildID, p.layout.SnapshotPath(buildID))

	return members
}

// writeArchive streams the members into a new zip file at path.
func writeArchive(ctx context.Context, path string, members []member) error {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, defaultFileMode)
	if err != nil {
		return fmt.Errorf("create part archive: %w", err)
	}

	zipWriter := zip.NewWriter(file)
	buffer := make([]byte, copyBufferSize)

	for _, m := range members {
		if err = ctx.Err(); err != nil {
			break
		}

		if err = addMember(zipWriter, m, buffer); err != nil {
			break
		}
	}

	if err != nil {
		_ = zipWriter.Close()
		_ = file.Close()

		return err
	}

	if err = zipWriter.Close(); err != nil {
		_ = file.Close()

		return fmt.Errorf("finalize part archive: %w", err)
	}

	if err = file.Close(); err != nil {
		return fmt.Errorf("close part archive: %w", err)
	}

	return nil
}

// addMember copies one staged file into the archive.
func addMember(zipWriter *zip.Writer, m member, buffer []byte) error {
	source, err := os.Open(m.source)
	if err != nil {
		return fmt.Errorf("open %q: %w", m.name, err)
	}

	defer func() {
		_ = source.Close()
	}()

	info, err := source.Stat()
	if err != nil {
		return fmt.Errorf("stat %q: %w", m.name, err)
	}

	header := &zip.FileHeader{
		Name:     m.name,
		Method:   zip.Deflate,
		Modified: info.ModTime(),
	}
	header.SetMode(defaultFileMode)

	dst, err := zipWriter.CreateHeader(header)
	if err != nil {
		return fmt.Errorf("write header for %q: %w", m.name, err)
	}

	if _, err = io.CopyBuffer(dst, source, buffer); err != nil {
		return fmt.Errorf("write %q: %w", m.name, err)
	}

	return nil
}
