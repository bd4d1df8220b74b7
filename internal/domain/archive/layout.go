package archive

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
)

const (
	// ContentDirName holds the staging workspaces.
	ContentDirName = "content"
	// ArchiveDirName holds the published archives.
	ArchiveDirName = "archive"
	// ArchiveSuffix is the extension of a published archive.
	ArchiveSuffix = ".zip"
	// PartArchiveSuffix is the extension of an archive being written.
	PartArchiveSuffix = ".part" + ArchiveSuffix
)

// ErrUnsafePath is returned for entry paths that would leave the staging workspace.
var ErrUnsafePath = errors.New("path escapes the staging workspace")

// Layout resolves the on-disk locations under a storage root.
type Layout struct {
	// Root is the storage directory.
	Root string
}

// NewLayout returns a layout rooted at the given directory.
func NewLayout(root string) Layout {
	return Layout{Root: filepath.Clean(root)}
}

// ContentDir is the parent of all staging workspaces.
func (l Layout) ContentDir() string {
	return filepath.Join(l.Root, ContentDirName)
}

// ArchiveDir is the directory of published archives.
func (l Layout) ArchiveDir() string {
	return filepath.Join(l.Root, ArchiveDirName)
}

// StagingDir is the staging workspace of a build.
func (l Layout) StagingDir(buildID string) string {
	return filepath.Join(l.ContentDir(), buildID)
}

// SnapshotPath is the manifest snapshot inside the staging workspace.
func (l Layout) SnapshotPath(buildID string) string {
	return filepath.Join(l.StagingDir(buildID), buildID)
}

// ArchivePath is the published archive of a build.
func (l Layout) ArchivePath(buildID string) string {
	return filepath.Join(l.ArchiveDir(), buildID+ArchiveSuffix)
}

// PartPath is the in-flight archive of a build.
func (l Layout) PartPath(buildID string) string {
	return filepath.Join(l.ArchiveDir(), buildID+PartArchiveSuffix)
}

// BuildIDFromArchiveName extracts the build id from a published archive file name.
// Part archives and foreign files are rejected.
func BuildIDFromArchiveName(name string) (string, bool) {
	if strings.HasSuffix(name, PartArchiveSuffix) || !strings.HasSuffix(name, ArchiveSuffix) {
		return "", false
	}

	buildID := strings.TrimSuffix(name, ArchiveSuffix)
	if ValidateBuildID(buildID) != nil {
		return "", false
	}

	return buildID, true
}

// BuildIDFromPartName extracts the build id from a part archive file name.
func BuildIDFromPartName(name string) (string, bool) {
	if !strings.HasSuffix(name, PartArchiveSuffix) {
		return "", false
	}

	buildID := strings.TrimSuffix(name, PartArchiveSuffix)
	if ValidateBuildID(buildID) != nil {
		return "", false
	}

	return buildID, true
}

// StagedPath maps an entry path (slash separated, usually with a leading slash)
// to a file inside dir.
func StagedPath(dir, relativePath string) (string, error) {
	local := filepath.FromSlash(strings.TrimLeft(relativePath, "/"))
	if local == "" || !filepath.IsLocal(local) {
		return "", fmt.Errorf("%w: %q", ErrUnsafePath, relativePath)
	}

	return filepath.Join(dir, local), nil
}

// IsSnapshotEntry reports whether an entry path resolves to the manifest
// snapshot of buildID inside its staging workspace.
func IsSnapshotEntry(buildID, relativePath string) bool {
	local := filepath.Clean(filepath.FromSlash(strings.TrimLeft(relativePath, "/")))

	return local == buildID
}
