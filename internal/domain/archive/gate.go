package archive

import "strings"

// checksumSuffixes mark files that carry checksums of other files.
//
//nolint:gochecknoglobals // Read-only lookup table.
var checksumSuffixes = []string{".sha1", ".sha256", ".md5"}

// IsChecksumFile reports whether the path names a checksum file.
func IsChecksumFile(relativePath string) bool {
	for _, suffix := range checksumSuffixes {
		if strings.HasSuffix(relativePath, suffix) {
			return true
		}
	}

	return false
}

// CanReuse decides whether the local copy of an entry may be kept instead of fetched.
//
// Checksum files are always fetched again. Otherwise the copy is reused when it
// exists and at least one of sha1, sha256 or md5 is known on both sides and equal.
func CanReuse(relativePath string, localExists bool, current, prior Checksums) bool {
	if !localExists || IsChecksumFile(relativePath) || prior.IsZero() {
		return false
	}

	switch {
	case current.SHA1 != "" && current.SHA1 == prior.SHA1:
		return true
	case current.SHA256 != "" && current.SHA256 == prior.SHA256:
		return true
	case current.MD5 != "" && current.MD5 == prior.MD5:
		return true
	default:
		return false
	}
}
