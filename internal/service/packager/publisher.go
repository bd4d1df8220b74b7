package packager

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/dustin/go-humanize"

	domain "github.com/oshokin/build-archive/internal/domain/archive"
	"github.com/oshokin/build-archive/internal/logger"
	"github.com/oshokin/build-archive/internal/metrics"
)

// Mirror receives copies of published archives.
type Mirror interface {
	Upload(ctx context.Context, key, path string) error
	Delete(ctx context.Context, key string) error
}

// RenameFunc moves a file over another one.
type RenameFunc func(oldPath, newPath string) error

// Publisher moves part archives into their published place.
type Publisher struct {
	layout  domain.Layout
	rename  RenameFunc
	mirror  Mirror
	metrics *metrics.Metrics
}

// PublisherOption configures a Publisher.
type PublisherOption func(*Publisher)

// WithRename replaces os.Rename.
func WithRename(rename RenameFunc) PublisherOption {
	return func(p *Publisher) {
		p.rename = rename
	}
}

// WithMirror uploads every published archive to m.
func WithMirror(m Mirror) PublisherOption {
	return func(p *Publisher) {
		p.mirror = m
	}
}

// WithMetrics records archive sizes.
func WithMetrics(m *metrics.Metrics) PublisherOption {
	return func(p *Publisher) {
		p.metrics = m
	}
}

// NewPublisher creates a Publisher for the given storage layout.
func NewPublisher(layout domain.Layout, options ...PublisherOption) *Publisher {
	p := &Publisher{
		layout: layout,
		rename: os.Rename,
	}

	for _, option := range options {
		option(p)
	}

	return p
}

// MirrorKey is the bucket key of a build's archive.
func MirrorKey(buildID string) string {
	return buildID + domain.ArchiveSuffix
}

// Publish replaces archive/{buildID}.zip with the part archive.
//
// The rename either fully replaces the previous archive or leaves it intact,
// so readers never observe a partially written file.
func (p *Publisher) Publish(ctx context.Context, buildID, partPath string) (string, error) {
	if err := os.MkdirAll(p.layout.ArchiveDir(), 0o755); err != nil {
		return "", fmt.Errorf("create archive directory: %w", err)
	}

	archivePath := p.layout.ArchivePath(buildID)
	if err := p.rename(partPath, archivePath); err != nil {
		return "", fmt.Errorf("publish archive: %w", err)
	}

	info, err := os.Stat(archivePath)
	if err != nil {
		return "", fmt.Errorf("stat published archive: %w", err)
	}

	size := info.Size()
	if size < 0 {
		size = 0
	}

	logger.InfoKV(ctx, "Archive published",
		"path", archivePath,
		"size", humanize.IBytes(uint64(size)))

	p.metrics.ObserveArchive(info.Size())

	if p.mirror != nil {
		if err = p.mirror.Upload(ctx, MirrorKey(buildID), archivePath); err != nil {
			logger.WarnKV(ctx, "Failed to mirror archive", "error", err)
		}
	}

	return archivePath, nil
}

// Forget removes the mirrored copy of a build's archive, if a mirror is configured.
func (p *Publisher) Forget(ctx context.Context, buildID string) {
	if p.mirror == nil {
		return
	}

	if err := p.mirror.Delete(ctx, MirrorKey(buildID)); err != nil && !errors.Is(err, os.ErrNotExist) {
		logger.WarnKV(ctx, "Failed to delete mirrored archive", "build_id", buildID, "error", err)
	}
}
