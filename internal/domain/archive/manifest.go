package archive

import (
	"errors"
	"fmt"
	"path"
	"strings"
)

// ErrInvalidManifest is returned for manifests that cannot identify a build.
var ErrInvalidManifest = errors.New("invalid content manifest")

// Checksums is the optional checksum triple of a file. Empty means absent.
type Checksums struct {
	SHA1   string
	SHA256 string
	MD5    string
}

// IsZero reports whether no checksum is known.
func (c Checksums) IsZero() bool {
	return c.SHA1 == "" && c.SHA256 == "" && c.MD5 == ""
}

// ContentEntry is a single file of a build.
type ContentEntry struct {
	// StoreKey identifies the repository the file was downloaded from
	// as packageType:storeType:name.
	StoreKey string `json:"storeKey,omitempty"`
	// RelativePath is the destination inside the staging workspace and the archive.
	RelativePath string `json:"path"`
	// MD5 is the optional md5 checksum.
	MD5 string `json:"md5,omitempty"`
	// SHA256 is the optional sha256 checksum.
	SHA256 string `json:"sha256,omitempty"`
	// SHA1 is the optional sha1 checksum.
	SHA1 string `json:"sha1,omitempty"`
	// Size is informational only and never verified.
	Size int64 `json:"size,omitempty"`
	// LocalURL is the location on the content server, if known.
	LocalURL string `json:"localUrl,omitempty"`
	// OriginURL is the upstream location, if known.
	OriginURL string `json:"originUrl,omitempty"`
	// RetrievalLocation is the URL the bytes are fetched from. It is filled by the resolver.
	RetrievalLocation string `json:"-"`
}

// Checksums returns the checksum triple of the entry.
func (e *ContentEntry) Checksums() Checksums {
	return Checksums{
		SHA1:   e.SHA1,
		SHA256: e.SHA256,
		MD5:    e.MD5,
	}
}

// PackageType returns the first segment of the store key (maven, npm, generic-http…).
func (e *ContentEntry) PackageType() string {
	packageType, _, _ := strings.Cut(e.StoreKey, ":")

	return packageType
}

// StorePath renders the store key as a URL path: maven:hosted:shared → /maven/hosted/shared.
func (e *ContentEntry) StorePath() string {
	if e.StoreKey == "" {
		return ""
	}

	return "/" + strings.ReplaceAll(e.StoreKey, ":", "/")
}

// ContentManifest describes which files belong to one build's archive.
type ContentManifest struct {
	// BuildID is the identity and partition key of the build.
	BuildID string `json:"buildConfigId"`
	// TrackID is an opaque correlation token.
	TrackID string `json:"trackId,omitempty"`
	// Entries are the files of the build. Duplicates are harmless.
	Entries []ContentEntry `json:"downloads"`
}

// Validate checks that the build id is usable as a file name.
func (m *ContentManifest) Validate() error {
	if m == nil {
		return fmt.Errorf("%w: manifest is empty", ErrInvalidManifest)
	}

	return ValidateBuildID(m.BuildID)
}

// ChecksumsByPath indexes the checksum triples of the manifest by relative path.
// The last entry wins for duplicated paths.
func (m *ContentManifest) ChecksumsByPath() map[string]Checksums {
	if m == nil {
		return map[string]Checksums{}
	}

	result := make(map[string]Checksums, len(m.Entries))
	for i := range m.Entries {
		result[m.Entries[i].RelativePath] = m.Entries[i].Checksums()
	}

	return result
}

// ValidateBuildID rejects ids that would escape the storage layout.
func ValidateBuildID(buildID string) error {
	switch {
	case strings.TrimSpace(buildID) == "":
		return fmt.Errorf("%w: build id is required", ErrInvalidManifest)
	case buildID == "." || buildID == "..",
		strings.ContainsAny(buildID, `/\`),
		path.Clean(buildID) != buildID:
		return fmt.Errorf("%w: build id %q is not a plain name", ErrInvalidManifest, buildID)
	}

	return nil
}
