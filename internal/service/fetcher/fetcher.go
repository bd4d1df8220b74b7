package fetcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"golang.org/x/net/publicsuffix"
	"golang.org/x/sync/semaphore"

	domain "github.com/oshokin/build-archive/internal/domain/archive"
	"github.com/oshokin/build-archive/internal/logger"
	"github.com/oshokin/build-archive/internal/metrics"
)

const (
	// defaultWorkers is used when Options.Workers is not set.
	defaultWorkers = 4
	// defaultMaxConnections is used when Options.MaxConnections is not set.
	defaultMaxConnections = 500
	// defaultFileMode is used for downloaded files.
	defaultFileMode os.FileMode = 0o644
	// partSuffix marks a download in progress.
	partSuffix = ".part"
)

var (
	errNoLocation     = errors.New("entry has no retrieval location")
	errBadHTTPStatus  = errors.New("unexpected http status")
	errUnsafeEntry    = errors.New("unsafe entry path")
	errEmptyWorkspace = errors.New("staging directory is required")
)

// Outcome is the result of processing one entry.
type Outcome int

const (
	// OutcomeSuccess means the entry was downloaded.
	OutcomeSuccess Outcome = iota + 1
	// OutcomeMiss means the upstream answered 404.
	OutcomeMiss
	// OutcomeFailure means any other status or a transport error.
	OutcomeFailure
	// OutcomeReused means the local copy passed the checksum gate.
	OutcomeReused
)

// String returns the metric label of the outcome.
func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return metrics.FetchSuccess
	case OutcomeMiss:
		return metrics.FetchMiss
	case OutcomeFailure:
		return metrics.FetchFailure
	case OutcomeReused:
		return metrics.FetchReused
	default:
		return "unknown"
	}
}

// Result describes what happened to one entry.
type Result struct {
	// RelativePath is the entry path.
	RelativePath string
	// Location is the URL that was requested.
	Location string
	// Outcome is the classification of the attempt.
	Outcome Outcome
	// Err holds the failure cause for OutcomeFailure.
	Err error
}

// Tally counts the outcomes of one batch. It is informational only.
type Tally struct {
	Succeeded int
	Missed    int
	Failed    int
	Reused    int
}

// add counts one result.
func (t *Tally) add(outcome Outcome) {
	switch outcome {
	case OutcomeSuccess:
		t.Succeeded++
	case OutcomeMiss:
		t.Missed++
	case OutcomeFailure:
		t.Failed++
	case OutcomeReused:
		t.Reused++
	}
}

// Present is the number of entries available in the workspace after the batch.
func (t Tally) Present() int {
	return t.Succeeded + t.Reused
}

// Options configures a Fetcher.
type Options struct {
	// Workers bounds the number of concurrent downloads across all batches.
	Workers int
	// MaxConnections caps the shared HTTP connection pool.
	MaxConnections int
	// RequestTimeout bounds a single download. Zero means no limit.
	RequestTimeout time.Duration
	// Transport overrides the HTTP transport, mostly for tests.
	Transport http.RoundTripper
	// Metrics receives outcome counters. Optional.
	Metrics *metrics.Metrics
}

// Fetcher downloads manifest entries over HTTP.
type Fetcher struct {
	// transport is shared by every batch so connections are pooled.
	transport http.RoundTripper
	// pool bounds concurrent downloads.
	pool *semaphore.Weighted
	// requestTimeout bounds a single download.
	requestTimeout time.Duration
	// metrics receives outcome counters.
	metrics *metrics.Metrics
}

// New creates a Fetcher with a bounded pool and a shared connection pool.
func New(opts Options) *Fetcher {
	workers := opts.Workers
	if workers <= 0 {
		workers = defaultWorkers
	}

	transport := opts.Transport
	if transport == nil {
		maxConnections := opts.MaxConnections
		if maxConnections <= 0 {
			maxConnections = defaultMaxConnections
		}

		//nolint:forcetypeassert // http.DefaultTransport is always *http.Transport.
		pooled := http.DefaultTransport.(*http.Transport).Clone()
		pooled.MaxIdleConns = maxConnections
		pooled.MaxIdleConnsPerHost = maxConnections
		pooled.MaxConnsPerHost = maxConnections
		transport = pooled
	}

	return &Fetcher{
		transport:      transport,
		pool:           semaphore.NewWeighted(int64(workers)),
		requestTimeout: opts.RequestTimeout,
		metrics:        opts.Metrics,
	}
}

// Fetch brings every entry into dir. Entries whose local copy passes the
// checksum gate against prior are kept; the rest are downloaded.
//
// Entry failures are absorbed and counted. An error is returned only when ctx
// ends before the batch completes.
func (f *Fetcher) Fetch(
	ctx context.Context,
	dir string,
	entries []domain.ContentEntry,
	prior map[string]domain.Checksums,
) (Tally, error) {
	var tally Tally

	if dir == "" {
		return tally, errEmptyWorkspace
	}

	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return tally, fmt.Errorf("create cookie store: %w", err)
	}

	client := &http.Client{
		Transport: f.transport,
		Jar:       jar,
	}

	results := make(chan Result, len(entries))
	submitted := 0

	for i := range entries {
		entry := entries[i]

		if f.reusable(dir, &entry, prior) {
			f.record(ctx, &tally, Result{
				RelativePath: entry.RelativePath,
				Location:     entry.RetrievalLocation,
				Outcome:      OutcomeReused,
			})

			continue
		}

		if err = f.pool.Acquire(ctx, 1); err != nil {
			break
		}

		submitted++

		go func() {
			defer f.pool.Release(1)

			results <- f.download(ctx, client, dir, &entry)
		}()
	}

	for range submitted {
		f.record(ctx, &tally, <-results)
	}

	if err = ctx.Err(); err != nil {
		// Entries never handed to the pool count as failures.
		tally.Failed += len(entries) - submitted - tally.Reused

		return tally, fmt.Errorf("fetch interrupted: %w", err)
	}

	logger.InfoKV(ctx, "Artifacts download completed",
		"success", tally.Succeeded,
		"missing", tally.Missed,
		"failed", tally.Failed,
		"reused", tally.Reused)

	return tally, nil
}

// reusable applies the checksum gate to the local copy of an entry.
func (f *Fetcher) reusable(dir string, entry *domain.ContentEntry, prior map[string]domain.Checksums) bool {
	previous, known := prior[entry.RelativePath]
	if !known {
		return false
	}

	dest, err := domain.StagedPath(dir, entry.RelativePath)
	if err != nil {
		return false
	}

	info, err := os.Stat(dest)
	exists := err == nil && info.Mode().IsRegular()

	return domain.CanReuse(entry.RelativePath, exists, entry.Checksums(), previous)
}

// record counts a result and logs it.
func (f *Fetcher) record(ctx context.Context, tally *Tally, result Result) {
	tally.add(result.Outcome)
	f.metrics.ObserveFetch(result.Outcome.String())

	switch result.Outcome {
	case OutcomeMiss:
		logger.DebugKV(ctx, "Entry not found upstream", "path", result.RelativePath, "url", result.Location)
	case OutcomeFailure:
		logger.WarnKV(ctx, "Entry download failed",
			"path", result.RelativePath, "url", result.Location, "error", result.Err)
	case OutcomeReused:
		logger.DebugKV(ctx, "Entry reused from previous archive", "path", result.RelativePath)
	case OutcomeSuccess:
		logger.DebugKV(ctx, "Entry downloaded", "path", result.RelativePath)
	}
}

// download fetches one entry and places it atomically at its destination.
func (f *Fetcher) download(ctx context.Context, client *http.Client, dir string, entry *domain.ContentEntry) Result {
	result := Result{
		RelativePath: entry.RelativePath,
		Location:     entry.RetrievalLocation,
		Outcome:      OutcomeFailure,
	}

	dest, err := domain.StagedPath(dir, entry.RelativePath)
	if err != nil {
		result.Err = fmt.Errorf("%w: %w", errUnsafeEntry, err)
		return result
	}

	// A previous aborted generation may have left a stale copy behind.
	if err = os.Remove(dest); err != nil && !errors.Is(err, os.ErrNotExist) {
		result.Err = fmt.Errorf("remove stale file: %w", err)
		return result
	}

	if entry.RetrievalLocation == "" {
		result.Err = errNoLocation
		return result
	}

	if f.requestTimeout > 0 {
		var cancel context.CancelFunc

		ctx, cancel = context.WithTimeout(ctx, f.requestTimeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, entry.RetrievalLocation, http.NoBody)
	if err != nil {
		result.Err = err
		return result
	}

	response, err := client.Do(req)
	if err != nil {
		result.Err = err
		return result
	}

	defer func() {
		_ = response.Body.Close()
	}()

	switch response.StatusCode {
	case http.StatusOK:
		if err = writeAtomically(dest, response.Body); err != nil {
			result.Err = err
			return result
		}

		result.Outcome = OutcomeSuccess
	case http.StatusNotFound:
		result.Outcome = OutcomeMiss
	default:
		result.Err = fmt.Errorf("%s: %w", response.Status, errBadHTTPStatus)
	}

	return result
}

// writeAtomically streams body into a temporary sibling of dest and renames it into place.
func writeAtomically(dest string, body io.Reader) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("create directory: %w", err)
	}

	tempPath := dest + "." + uuid.NewString() + partSuffix

	file, err := os.OpenFile(tempPath, os.O_CREATE|os.O_WRONLY|os.O_EXCL, defaultFileMode)
	if err != nil {
		return fmt.Errorf("create temporary file: %w", err)
	}

	if _, err = io.Copy(file, body); err != nil {
		_ = file.Close()
		_ = os.Remove(tempPath)

		return fmt.Errorf("write body: %w", err)
	}

	if err = file.Close(); err != nil {
		_ = os.Remove(tempPath)

		return fmt.Errorf("close temporary file: %w", err)
	}

	if err = os.Rename(tempPath, dest); err != nil {
		_ = os.Remove(tempPath)

		return fmt.Errorf("rename into place: %w", err)
	}

	return nil
}
