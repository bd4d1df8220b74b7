package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"

	domain "github.com/oshokin/build-archive/internal/domain/archive"
	"github.com/oshokin/build-archive/internal/logger"
)

// Options configures the archive-ctl commands.
type Options struct {
	// ServerURL is the root URL of the archive server.
	ServerURL string
	// Timeout bounds every call except downloads.
	Timeout time.Duration
}

func (o *Options) dial() (*Client, error) {
	return New(o.ServerURL, WithCallTimeout(o.Timeout))
}

// Generate submits the manifest stored at manifestPath.
func Generate(ctx context.Context, opts *Options, manifestPath string) error {
	ctx = logger.WithName(ctx, "generate")

	manifest, err := readManifest(manifestPath)
	if err != nil {
		return err
	}

	client, err := opts.dial()
	if err != nil {
		return err
	}

	if err = client.Generate(ctx, manifest); err != nil {
		return err
	}

	logger.InfoKV(ctx, "Generation scheduled",
		"build_id", manifest.BuildID,
		"entries", len(manifest.Entries))

	return nil
}

// Status reports the generation status of a build.
func Status(ctx context.Context, opts *Options, buildID string) error {
	client, err := opts.dial()
	if err != nil {
		return err
	}

	status, err := client.Status(ctx, buildID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return fmt.Errorf("build %s has no generation status: %w", buildID, err)
		}

		return err
	}

	logger.InfoKV(ctx, "Generation status", "build_id", buildID, "status", status.String())

	return nil
}

// Get downloads the archive of a build to output, or {buildID}.zip when output is empty.
func Get(ctx context.Context, opts *Options, buildID, output string) error {
	client, err := opts.dial()
	if err != nil {
		return err
	}

	if output == "" {
		output = buildID + domain.ArchiveSuffix
	}

	output = filepath.Clean(output)
	tempPath := output + ".download"

	file, err := os.Create(tempPath)
	if err != nil {
		return fmt.Errorf("create %s: %w", tempPath, err)
	}

	written, err := client.Download(ctx, buildID, file)
	if closeErr := file.Close(); err == nil {
		err = closeErr
	}

	if err != nil {
		_ = os.Remove(tempPath)

		if errors.Is(err, ErrNotFound) {
			return fmt.Errorf("build %s has no archive: %w", buildID, err)
		}

		return err
	}

	if err = os.Rename(tempPath, output); err != nil {
		_ = os.Remove(tempPath)
		return fmt.Errorf("save archive: %w", err)
	}

	size := uint64(0)
	if written > 0 {
		size = uint64(written)
	}

	logger.InfoKV(ctx, "Archive downloaded", "path", output, "size", humanize.IBytes(size))

	return nil
}

// Delete removes the archive of a build, gated by checksum when set.
func Delete(ctx context.Context, opts *Options, buildID, checksum string) error {
	client, err := opts.dial()
	if err != nil {
		return err
	}

	if err = client.Delete(ctx, buildID, checksum); err != nil {
		return err
	}

	logger.InfoKV(ctx, "Delete requested", "build_id", buildID, "checksum_gated", checksum != "")

	return nil
}

// Cleanup triggers the retention sweep on the server.
func Cleanup(ctx context.Context, opts *Options) error {
	client, err := opts.dial()
	if err != nil {
		return err
	}

	if err = client.Cleanup(ctx); err != nil {
		return err
	}

	logger.Info(ctx, "Retention sweep finished")

	return nil
}

// ServerVersion reports the build metadata of the server.
func ServerVersion(ctx context.Context, opts *Options) error {
	client, err := opts.dial()
	if err != nil {
		return err
	}

	info, err := client.VersionInfo(ctx)
	if err != nil {
		return err
	}

	logger.InfoKV(ctx, "Server version",
		"version", info.Version,
		"commit", info.Commit,
		"built_at", info.BuildTime)

	return nil
}

func readManifest(path string) (*domain.ContentManifest, error) {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}

	var manifest domain.ContentManifest
	if err = json.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("decode manifest: %w", err)
	}

	if err = manifest.Validate(); err != nil {
		return nil, err
	}

	return &manifest, nil
}
