// Package resolver turns a tracked-content document into a fetchable manifest.
package resolver

import (
	"context"
	"strings"

	domain "github.com/oshokin/build-archive/internal/domain/archive"
	"github.com/oshokin/build-archive/internal/logger"
)

const (
	// mavenMetadataFile is regenerated by repositories and never archived.
	mavenMetadataFile = "maven-metadata.xml"
	// npmPackageType marks entries of npm stores.
	npmPackageType = "npm"
	// npmTarballSuffix is the only npm file kind worth archiving.
	npmTarballSuffix = ".tgz"
	// contentAPIPath prefixes store paths on the content server.
	contentAPIPath = "/api/content"
)

// Resolver fills retrieval locations and drops entries that are not archived.
type Resolver struct {
	baseURL string
}

// New creates a Resolver. When baseURL is set, every location points to the
// content server; otherwise the recorded local or origin URL is used.
func New(baseURL string) *Resolver {
	return &Resolver{baseURL: strings.TrimRight(baseURL, "/")}
}

// Resolve returns a copy of m whose entries all carry a retrieval location.
// Entry order and checksums are preserved.
func (r *Resolver) Resolve(ctx context.Context, m *domain.ContentManifest) (*domain.ContentManifest, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}

	resolved := &domain.ContentManifest{
		BuildID: m.BuildID,
		TrackID: m.TrackID,
		Entries: make([]domain.ContentEntry, 0, len(m.Entries)),
	}

	dropped := 0

	for i := range m.Entries {
		entry := m.Entries[i]

		if !archivable(&entry) {
			dropped++
			continue
		}

		entry.RetrievalLocation = r.location(&entry)
		if entry.RetrievalLocation == "" {
			dropped++
			continue
		}

		resolved.Entries = append(resolved.Entries, entry)
	}

	if dropped > 0 {
		logger.DebugKV(ctx, "Dropped manifest entries",
			"build_id", m.BuildID,
			"dropped", dropped,
			"kept", len(resolved.Entries))
	}

	return resolved, nil
}

func archivable(entry *domain.ContentEntry) bool {
	if strings.Contains(entry.RelativePath, mavenMetadataFile) {
		return false
	}

	if entry.PackageType() == npmPackageType && !strings.HasSuffix(entry.RelativePath, npmTarballSuffix) {
		return false
	}

	return true
}

func (r *Resolver) location(entry *domain.ContentEntry) string {
	if r.baseURL != "" && entry.StoreKey != "" {
		return r.baseURL + contentAPIPath + entry.StorePath() + entry.RelativePath
	}

	if entry.LocalURL != "" {
		return entry.LocalURL
	}

	return entry.OriginURL
}
