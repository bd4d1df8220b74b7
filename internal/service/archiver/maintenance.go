package archiver

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/djherbis/atime.v1"

	domain "github.com/oshokin/build-archive/internal/domain/archive"
	"github.com/oshokin/build-archive/internal/logger"
	"github.com/oshokin/build-archive/internal/metrics"
	"github.com/oshokin/build-archive/internal/service/integrity"
)

const day = 24 * time.Hour

// DeleteArchive removes the published archive of a build. A missing archive
// is not an error.
func (a *Archiver) DeleteArchive(ctx context.Context, buildID string) error {
	if err := domain.ValidateBuildID(buildID); err != nil {
		return err
	}

	ctx = logger.WithKV(ctx, "build_id", buildID)

	err := os.Remove(a.layout.ArchivePath(buildID))
	switch {
	case err == nil:
		a.forget(ctx, buildID)
		a.metrics.ObserveDelete(metrics.DeleteRemoved)
		logger.InfoKV(ctx, "Archive deleted")

		return nil
	case errors.Is(err, os.ErrNotExist):
		a.metrics.ObserveDelete(metrics.DeleteAbsent)
		logger.DebugKV(ctx, "No archive to delete")

		return nil
	default:
		return fmt.Errorf("delete archive: %w", err)
	}
}

// DeleteArchiveWithChecksum removes the published archive only when its
// SHA-256 digest equals checksum. A mismatch leaves the archive untouched and
// is reported in the logs only.
func (a *Archiver) DeleteArchiveWithChecksum(ctx context.Context, buildID, checksum string) error {
	if err := domain.ValidateBuildID(buildID); err != nil {
		return err
	}

	ctx = logger.WithKV(ctx, "build_id", buildID)

	err := a.checker.RemoveIfMatches(ctx, a.layout.ArchivePath(buildID), checksum)
	switch {
	case err == nil:
		a.forget(ctx, buildID)
		a.metrics.ObserveDelete(metrics.DeleteRemoved)
		logger.InfoKV(ctx, "Archive deleted after digest check")

		return nil
	case errors.Is(err, integrity.ErrMismatch):
		a.metrics.ObserveDelete(metrics.DeleteMismatch)
		logger.WarnKV(ctx, "Archive kept, digest does not match", "error", err)

		return nil
	case errors.Is(err, os.ErrNotExist):
		a.metrics.ObserveDelete(metrics.DeleteAbsent)
		logger.DebugKV(ctx, "No archive to delete")

		return nil
	default:
		return fmt.Errorf("delete archive: %w", err)
	}
}

// forget drops everything that refers to a deleted archive.
func (a *Archiver) forget(ctx context.Context, buildID string) {
	a.status.CompareAndDelete(buildID, domain.StatusCompleted)
	a.publisher.Forget(ctx, buildID)
}

// Cleanup runs the retention sweep. Archives not accessed for the configured
// number of days are deleted, as are part archives of that age that belong to
// no running generation. Without a configured threshold nothing happens.
func (a *Archiver) Cleanup(ctx context.Context) error {
	if a.notUsedDays == nil {
		logger.Debug(ctx, "Retention sweep is disabled")
		return nil
	}

	threshold := *a.notUsedDays

	entries, err := os.ReadDir(a.layout.ArchiveDir())
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}

		return fmt.Errorf("scan archive directory: %w", err)
	}

	now := a.now()
	removed := 0

	for _, entry := range entries {
		if err = ctx.Err(); err != nil {
			return err
		}

		if !entry.Type().IsRegular() {
			continue
		}

		name := entry.Name()
		path := filepath.Join(a.layout.ArchiveDir(), name)

		if buildID, ok := domain.BuildIDFromArchiveName(name); ok {
			lastAccess, err := atime.Stat(path)
			if err != nil {
				logger.WarnKV(ctx, "Unable to read access time", "path", path, "error", err)
				continue
			}

			if idleDays(now, lastAccess) < threshold {
				continue
			}

			if err = os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
				logger.WarnKV(ctx, "Failed to sweep archive", "path", path, "error", err)
				continue
			}

			a.forget(ctx, buildID)
			a.metrics.ObserveSwept()
			logger.InfoKV(ctx, "Swept unused archive", "build_id", buildID, "last_access", lastAccess)

			removed++

			continue
		}

		if buildID, ok := domain.BuildIDFromPartName(name); ok {
			if a.running(buildID) {
				continue
			}

			info, err := entry.Info()
			if err != nil || idleDays(now, info.ModTime()) < threshold {
				continue
			}

			if err = os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
				logger.WarnKV(ctx, "Failed to sweep part archive", "path", path, "error", err)
				continue
			}

			logger.InfoKV(ctx, "Swept abandoned part archive", "build_id", buildID)

			removed++
		}
	}

	logger.InfoKV(ctx, "Retention sweep finished", "removed", removed, "not_used_days", threshold)

	return nil
}

// running reports whether a generation of the build is in flight.
func (a *Archiver) running(buildID string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	_, ok := a.tasks[buildID]

	return ok
}

// idleDays is the number of whole days since t.
func idleDays(now, t time.Time) int {
	if t.After(now) {
		return 0
	}

	return int(now.Sub(t) / day)
}
