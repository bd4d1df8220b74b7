package archiver

import (
	"context"
	"errors"
	"fmt"
	"os"
	"runtime"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/oshokin/build-archive/internal/config"
	domain "github.com/oshokin/build-archive/internal/domain/archive"
	"github.com/oshokin/build-archive/internal/logger"
	"github.com/oshokin/build-archive/internal/metrics"
	"github.com/oshokin/build-archive/internal/repository/snapshot"
	"github.com/oshokin/build-archive/internal/repository/status"
	"github.com/oshokin/build-archive/internal/service/fetcher"
	"github.com/oshokin/build-archive/internal/service/integrity"
	"github.com/oshokin/build-archive/internal/service/packager"
)

var (
	// ErrNotFound is returned when a build has no published archive.
	ErrNotFound = errors.New("archive not found")
	// ErrClosed is returned by Generate after Close has been called.
	ErrClosed = errors.New("archiver is closed")
)

// Fetcher fills a staging workspace with manifest entries.
type Fetcher interface {
	Fetch(
		ctx context.Context,
		dir string,
		entries []domain.ContentEntry,
		prior map[string]domain.Checksums,
	) (fetcher.Tally, error)
}

// Options configures an Archiver.
type Options struct {
	// Layout is the storage layout. Required.
	Layout domain.Layout
	// Fetcher downloads entries. Required.
	Fetcher Fetcher
	// Status records generation statuses. Defaults to an in-memory store.
	Status status.Store
	// Packager writes part archives. Defaults to a packager over Layout.
	Packager *packager.Packager
	// Publisher publishes part archives. Defaults to a publisher over Layout.
	Publisher *packager.Publisher
	// Checker verifies digests before gated deletes.
	Checker *integrity.Checker
	// Metrics is optional.
	Metrics *metrics.Metrics
	// GenerationWorkers bounds concurrently running generations. Defaults to NumCPU.
	GenerationWorkers int
	// GenerationTimeout aborts a generation that runs longer. Zero disables it.
	GenerationTimeout time.Duration
	// EmptyArchivePolicy applies when no entry could be fetched.
	EmptyArchivePolicy config.EmptyArchivePolicy
	// NotUsedDays enables the retention sweep.
	NotUsedDays *int
}

// Archiver runs and tracks archive generations.
type Archiver struct {
	layout      domain.Layout
	fetcher     Fetcher
	status      status.Store
	packager    *packager.Packager
	publisher   *packager.Publisher
	checker     *integrity.Checker
	metrics     *metrics.Metrics
	pool        *semaphore.Weighted
	locks       *lockTable
	timeout     time.Duration
	emptyPolicy config.EmptyArchivePolicy
	notUsedDays *int

	// now is replaced in tests.
	now func() time.Time

	// baseCtx outlives callers and is cancelled when Close gives up waiting.
	baseCtx context.Context
	cancel  context.CancelFunc

	mu     sync.Mutex
	tasks  map[string]*Task
	closed bool
	wg     sync.WaitGroup
}

// New creates an Archiver.
func New(opts Options) *Archiver {
	workers := opts.GenerationWorkers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}

	a := &Archiver{
		layout:      opts.Layout,
		fetcher:     opts.Fetcher,
		status:      opts.Status,
		packager:    opts.Packager,
		publisher:   opts.Publisher,
		checker:     opts.Checker,
		metrics:     opts.Metrics,
		pool:        semaphore.NewWeighted(int64(workers)),
		locks:       newLockTable(),
		timeout:     opts.GenerationTimeout,
		emptyPolicy: opts.EmptyArchivePolicy,
		notUsedDays: opts.NotUsedDays,
		now:         time.Now,
		tasks:       make(map[string]*Task),
	}

	if a.fetcher == nil {
		a.fetcher = fetcher.New(fetcher.Options{Metrics: opts.Metrics})
	}

	if a.status == nil {
		a.status = status.NewMemoryStore()
	}

	if a.packager == nil {
		a.packager = packager.NewPackager(a.layout)
	}

	if a.publisher == nil {
		a.publisher = packager.NewPublisher(a.layout, packager.WithMetrics(opts.Metrics))
	}

	if a.checker == nil {
		a.checker = integrity.NewChecker(integrity.DefaultWindow)
	}

	if a.emptyPolicy == "" {
		a.emptyPolicy = config.EmptyArchiveManifest
	}

	a.baseCtx, a.cancel = context.WithCancel(context.Background())

	return a
}

// Recover marks every published archive as completed. Part archives are not
// considered; they are reclaimed by the retention sweep.
func (a *Archiver) Recover(ctx context.Context) error {
	for _, dir := range []string{a.layout.ContentDir(), a.layout.ArchiveDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create storage directory: %w", err)
		}
	}

	entries, err := os.ReadDir(a.layout.ArchiveDir())
	if err != nil {
		return fmt.Errorf("scan archive directory: %w", err)
	}

	recovered := 0

	for _, entry := range entries {
		if !entry.Type().IsRegular() {
			continue
		}

		buildID, ok := domain.BuildIDFromArchiveName(entry.Name())
		if !ok {
			continue
		}

		a.status.Set(buildID, domain.StatusCompleted)
		recovered++
	}

	logger.InfoKV(ctx, "Recovered published archives", "count", recovered)

	return nil
}

// Generate schedules a generation for the manifest's build.
//
// It waits while another generation of the same build runs, then marks the
// build in progress and returns. The pipeline itself runs in the background;
// its outcome is visible through the returned Task and Status.
func (a *Archiver) Generate(ctx context.Context, manifest *domain.ContentManifest) (*Task, error) {
	if err := manifest.Validate(); err != nil {
		return nil, err
	}

	buildID := manifest.BuildID

	// Generations of the same build run one after another.
	release, err := a.locks.acquire(ctx, buildID)
	if err != nil {
		return nil, fmt.Errorf("wait for running generation: %w", err)
	}

	task := newTask(buildID)

	// Register the task unless the archiver is shutting down.
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		release()

		return nil, ErrClosed
	}

	a.wg.Add(1)
	a.tasks[buildID] = task
	a.mu.Unlock()

	a.status.Set(buildID, domain.StatusInProgress)
	a.metrics.GenerationStarted()

	// The pipeline keeps the caller's logger but not its cancellation.
	pipelineCtx := logger.ToContext(a.baseCtx, logger.FromContext(ctx))
	pipelineCtx = logger.WithKV(pipelineCtx, "build_id", buildID)

	go a.run(pipelineCtx, manifest, task, release)

	return task, nil
}

// run executes one generation and always finalizes it.
func (a *Archiver) run(ctx context.Context, manifest *domain.ContentManifest, task *Task, release func()) {
	var (
		buildID = manifest.BuildID
		started = a.now()
		skipped bool
		err     error
	)

	defer func() {
		if recovered := recover(); recovered != nil {
			err = fmt.Errorf("generation panicked: %v", recovered)
		}

		result := metrics.GenerationCompleted

		switch {
		case err != nil:
			// A failed generation leaves no status and no workspace behind, so it can be retried.
			result = metrics.GenerationFailed

			a.status.Delete(buildID)
			a.purge(ctx, buildID)
			logger.ErrorKV(ctx, "Generation failed", "error", err)
		case skipped:
			result = metrics.GenerationSkipped

			a.status.Set(buildID, domain.StatusCompleted)
		default:
			a.status.Set(buildID, domain.StatusCompleted)
		}

		elapsed := a.now().Sub(started)
		a.metrics.GenerationFinished(result, elapsed)
		logger.InfoKV(ctx, "Generation finished", "result", result, "elapsed", elapsed)

		// Release waiters last, after the status is final.
		a.mu.Lock()
		if a.tasks[buildID] == task {
			delete(a.tasks, buildID)
		}
		a.mu.Unlock()

		task.finish(err, skipped)
		release()
		a.wg.Done()
	}()

	if a.timeout > 0 {
		var cancel context.CancelFunc

		ctx, cancel = context.WithTimeout(ctx, a.timeout)
		defer cancel()
	}

	// Wait for a free generation slot.
	if err = a.pool.Acquire(ctx, 1); err != nil {
		err = fmt.Errorf("wait for generation worker: %w", err)
		return
	}

	defer a.pool.Release(1)

	skipped, err = a.generate(ctx, manifest)
}

// generate runs the fetch, package and publish stages.
func (a *Archiver) generate(ctx context.Context, manifest *domain.ContentManifest) (bool, error) {
	buildID := manifest.BuildID
	stagingDir := a.layout.StagingDir(buildID)

	// Leftovers of an interrupted generation are not trusted.
	if err := resetDir(stagingDir); err != nil {
		return false, err
	}

	// Seed the workspace with the previous archive so unchanged entries are not downloaded again.
	prior, err := packager.Unpack(ctx, a.layout.ArchivePath(buildID), stagingDir, buildID)
	if err != nil {
		if ctx.Err() != nil {
			return false, err
		}

		// The previous archive is only a cache. A broken one is replaced by a full fetch.
		logger.WarnKV(ctx, "Previous archive is unreadable, fetching every entry", "error", err)

		if err = resetDir(stagingDir); err != nil {
			return false, err
		}

		prior = nil
	}

	// Entries landing on the manifest snapshot would be overwritten by it.
	entries := stageableEntries(ctx, buildID, manifest.Entries)

	logger.InfoKV(ctx, "Fetching manifest entries",
		"entries", len(entries),
		"has_previous_archive", prior != nil)

	tally, err := a.fetcher.Fetch(ctx, stagingDir, entries, prior.ChecksumsByPath())
	if err != nil {
		return false, err
	}

	logger.InfoKV(ctx, "Fetch finished",
		"downloaded", tally.Succeeded,
		"reused", tally.Reused,
		"missed", tally.Missed,
		"failed", tally.Failed)

	// Nothing reachable: either keep the previous archive or publish the manifest alone.
	if tally.Present() == 0 && a.emptyPolicy == config.EmptyArchiveSkip {
		logger.WarnKV(ctx, "No entry could be fetched, keeping the previous archive")

		if err = os.RemoveAll(stagingDir); err != nil {
			logger.WarnKV(ctx, "Failed to remove staging directory", "error", err)
		}

		return true, nil
	}

	// The snapshot becomes the reserved archive member.
	if err = snapshot.WriteFile(a.layout.SnapshotPath(buildID), manifest); err != nil {
		return false, err
	}

	paths := make([]string, 0, len(entries))
	for i := range entries {
		paths = append(paths, entries[i].RelativePath)
	}

	// Package into the part archive, then swap it in place of the published one.
	partPath, err := a.packager.Package(ctx, buildID, paths)
	if err != nil {
		return false, fmt.Errorf("package archive: %w", err)
	}

	if _, err = a.publisher.Publish(ctx, buildID, partPath); err != nil {
		return false, err
	}

	return false, nil
}

// stageableEntries drops entries whose staged path collides with the manifest snapshot.
func stageableEntries(ctx context.Context, buildID string, entries []domain.ContentEntry) []domain.ContentEntry {
	kept := make([]domain.ContentEntry, 0, len(entries))

	for i := range entries {
		if domain.IsSnapshotEntry(buildID, entries[i].RelativePath) {
			logger.WarnKV(ctx, "Entry collides with the reserved snapshot member", "path", entries[i].RelativePath)
			continue
		}

		kept = append(kept, entries[i])
	}

	return kept
}

// resetDir recreates dir empty.
func resetDir(dir string) error {
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("reset staging directory: %w", err)
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create staging directory: %w", err)
	}

	return nil
}

// purge removes what a failed generation left behind.
func (a *Archiver) purge(ctx context.Context, buildID string) {
	if err := os.RemoveAll(a.layout.StagingDir(buildID)); err != nil {
		logger.WarnKV(ctx, "Failed to purge staging directory", "error", err)
	}

	if err := os.Remove(a.layout.PartPath(buildID)); err != nil && !errors.Is(err, os.ErrNotExist) {
		logger.WarnKV(ctx, "Failed to remove part archive", "error", err)
	}
}

// Status returns the generation status of a build.
func (a *Archiver) Status(buildID string) (domain.GenerationStatus, bool) {
	a.mu.Lock()
	task := a.tasks[buildID]
	a.mu.Unlock()

	if task != nil {
		select {
		case <-task.Done():
			if task.Err() != nil {
				return 0, false
			}

			return domain.StatusCompleted, true
		default:
			return domain.StatusInProgress, true
		}
	}

	return a.status.Get(buildID)
}

// StatusExists reports whether any status is recorded for a build.
func (a *Archiver) StatusExists(buildID string) bool {
	_, ok := a.Status(buildID)

	return ok
}

// Statuses returns a copy of every recorded status.
func (a *Archiver) Statuses() map[string]domain.GenerationStatus {
	return a.status.Snapshot()
}

// GetArchive opens the published archive of a build. The caller closes it.
func (a *Archiver) GetArchive(buildID string) (*os.File, error) {
	if err := domain.ValidateBuildID(buildID); err != nil {
		return nil, err
	}

	file, err := os.Open(a.layout.ArchivePath(buildID))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, buildID)
		}

		return nil, fmt.Errorf("open archive: %w", err)
	}

	return file, nil
}

// Close stops accepting generations and waits for running ones. When ctx
// ends first, running generations are cancelled and ctx's error is returned
// once they have been finalized.
func (a *Archiver) Close(ctx context.Context) error {
	a.mu.Lock()
	a.closed = true
	a.mu.Unlock()

	done := make(chan struct{})

	go func() {
		a.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		a.cancel()

		return nil
	case <-ctx.Done():
		a.cancel()
		<-done

		return ctx.Err()
	}
}
