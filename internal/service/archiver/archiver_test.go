package archiver

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/klauspost/compress/zip"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/oshokin/build-archive/internal/config"
	domain "github.com/oshokin/build-archive/internal/domain/archive"
	"github.com/oshokin/build-archive/internal/service/fetcher"
	"github.com/oshokin/build-archive/internal/service/packager"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		goleak.IgnoreAnyFunction("net/http.(*persistConn).readLoop"),
		goleak.IgnoreAnyFunction("net/http.(*persistConn).writeLoop"),
	)
}

// newArchiver builds an Archiver over a temporary storage root.
func newArchiver(t *testing.T, opts Options) *Archiver {
	t.Helper()

	if opts.Layout.Root == "" {
		opts.Layout = domain.NewLayout(t.TempDir())
	}

	a := New(opts)
	require.NoError(t, a.Recover(context.Background()))

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		require.NoError(t, a.Close(ctx))
	})

	return a
}

// upstream serves files and counts requests per path.
type upstream struct {
	*httptest.Server

	mu    sync.Mutex
	files map[string]string
	hits  map[string]int
}

func newUpstream(t *testing.T, files map[string]string) *upstream {
	t.Helper()

	u := &upstream{files: files, hits: make(map[string]int)}
	u.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u.mu.Lock()
		u.hits[r.URL.Path]++
		body, ok := u.files[r.URL.Path]
		u.mu.Unlock()

		if !ok {
			http.NotFound(w, r)
			return
		}

		_, _ = w.Write([]byte(body))
	}))

	t.Cleanup(u.Close)

	return u
}

func (u *upstream) hitsFor(path string) int {
	u.mu.Lock()
	defer u.mu.Unlock()

	return u.hits[path]
}

func (u *upstream) entry(path, sha1 string) domain.ContentEntry {
	return domain.ContentEntry{
		RelativePath:      path,
		SHA1:              sha1,
		RetrievalLocation: u.URL + path,
	}
}

// archiveMembers reads a published archive into a name → body map.
func archiveMembers(t *testing.T, path string) map[string]string {
	t.Helper()

	reader, err := zip.OpenReader(path)
	require.NotNil(t, reader, "open %s: %v", path, err)

	defer func() {
		_ = reader.Close()
	}()

	result := make(map[string]string, len(reader.File))

	for _, file := range reader.File {
		source, err := file.Open()
		require.NoError(t, err)

		body, err := io.ReadAll(source)
		require.NoError(t, err)
		require.NoError(t, source.Close())

		result[file.Name] = string(body)
	}

	return result
}

func memberNames(m map[string]string) []string {
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}

	sort.Strings(names)

	return names
}

func waitTask(t *testing.T, task *Task) error {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	select {
	case <-task.Done():
	case <-ctx.Done():
		require.FailNow(t, "generation did not finish", task.BuildID())
	}

	return task.Err()
}

// TestGenerate_CorruptPreviousArchive rebuilds from scratch when the
// previous archive cannot be read.
func TestGenerate_CorruptPreviousArchive(t *testing.T) {
	t.Parallel()

	source := newUpstream(t, map[string]string{"/a/b.jar": "jar-bytes"})
	layout := domain.NewLayout(t.TempDir())
	require.NoError(t, os.MkdirAll(layout.ArchiveDir(), 0o755))
	require.NoError(t, os.WriteFile(layout.ArchivePath("9000"), []byte("not a zip"), 0o644))

	a := newArchiver(t, Options{Layout: layout, Fetcher: fetcher.New(fetcher.Options{})})

	manifest := &domain.ContentManifest{
		BuildID: "9000",
		Entries: []domain.ContentEntry{source.entry("/a/b.jar", "73728ce3")},
	}

	for range 2 {
		task, err := a.Generate(context.Background(), manifest)
		require.NoError(t, err)
		require.NoError(t, waitTask(t, task))

		state, ok := a.Status("9000")
		require.True(t, ok)
		require.Equal(t, domain.StatusCompleted, state)

		members := archiveMembers(t, layout.ArchivePath("9000"))
		require.Equal(t, []string{"/a/b.jar", "9000"}, memberNames(members))
		require.Equal(t, "jar-bytes", members["/a/b.jar"])
	}

	// The second run reused the jar from the rebuilt archive.
	require.Equal(t, 1, source.hitsFor("/a/b.jar"))
}

// TestGenerate_SnapshotCollision never lets an entry take the place of the
// manifest snapshot.
func TestGenerate_SnapshotCollision(t *testing.T) {
	t.Parallel()

	source := newUpstream(t, map[string]string{
		"/9000":    "impostor",
		"/a/b.jar": "jar-bytes",
	})
	a := newArchiver(t, Options{Fetcher: fetcher.New(fetcher.Options{})})

	manifest := &domain.ContentManifest{
		BuildID: "9000",
		Entries: []domain.ContentEntry{
			source.entry("/9000", ""),
			source.entry("/a/b.jar", "73728ce3"),
		},
	}

	task, err := a.Generate(context.Background(), manifest)
	require.NoError(t, err)
	require.NoError(t, waitTask(t, task))

	require.Zero(t, source.hitsFor("/9000"))

	members := archiveMembers(t, a.layout.ArchivePath("9000"))
	require.Equal(t, []string{"/a/b.jar", "9000"}, memberNames(members))
	require.Contains(t, members["9000"], `"buildConfigId":"9000"`)
}

// TestGenerate_PublishesArchive covers a reachable manifest end to end.
func TestGenerate_PublishesArchive(t *testing.T) {
	t.Parallel()

	source := newUpstream(t, map[string]string{"/a/b.jar": "jar-bytes"})
	a := newArchiver(t, Options{Fetcher: fetcher.New(fetcher.Options{})})

	manifest := &domain.ContentManifest{
		BuildID: "9000",
		Entries: []domain.ContentEntry{source.entry("/a/b.jar", "73728ce3")},
	}

	task, err := a.Generate(context.Background(), manifest)
	require.NoError(t, err)
	require.NoError(t, waitTask(t, task))

	state, ok := a.Status("9000")
	require.True(t, ok)
	require.Equal(t, domain.StatusCompleted, state)
	require.True(t, a.StatusExists("9000"))

	info, err := os.Stat(a.layout.ArchivePath("9000"))
	require.NoError(t, err)
	require.Positive(t, info.Size())

	members := archiveMembers(t, a.layout.ArchivePath("9000"))
	require.Equal(t, []string{"/a/b.jar", "9000"}, memberNames(members))
	require.Equal(t, "jar-bytes", members["/a/b.jar"])

	_, err = os.Stat(a.layout.StagingDir("9000"))
	require.ErrorIs(t, err, os.ErrNotExist)

	_, err = os.Stat(a.layout.PartPath("9000"))
	require.ErrorIs(t, err, os.ErrNotExist)

	file, err := a.GetArchive("9000")
	require.NoError(t, err)
	require.NoError(t, file.Close())
}

// TestGenerate_UnreachableEntries pins down both empty archive policies.
func TestGenerate_UnreachableEntries(t *testing.T) {
	t.Parallel()

	source := newUpstream(t, map[string]string{"/a/b.jar": "jar-bytes"})

	t.Run("manifest only", func(t *testing.T) {
		t.Parallel()

		a := newArchiver(t, Options{Fetcher: fetcher.New(fetcher.Options{})})

		task, err := a.Generate(context.Background(), &domain.ContentManifest{
			BuildID: "9001",
			Entries: []domain.ContentEntry{
				source.entry("/a/missing.jar", ""),
				source.entry("/a/b.jar", ""),
				source.entry("/a/gone.jar", ""),
			},
		})
		require.NoError(t, err)
		require.NoError(t, waitTask(t, task))

		members := archiveMembers(t, a.layout.ArchivePath("9001"))
		require.Equal(t, []string{"/a/b.jar", "9001"}, memberNames(members))

		task, err = a.Generate(context.Background(), &domain.ContentManifest{
			BuildID: "9002",
			Entries: []domain.ContentEntry{source.entry("/a/missing.jar", "")},
		})
		require.NoError(t, err)
		require.NoError(t, waitTask(t, task))
		require.False(t, task.Skipped())

		members = archiveMembers(t, a.layout.ArchivePath("9002"))
		require.Equal(t, []string{"9002"}, memberNames(members))
	})

	t.Run("skip", func(t *testing.T) {
		t.Parallel()

		a := newArchiver(t, Options{
			Fetcher:            fetcher.New(fetcher.Options{}),
			EmptyArchivePolicy: config.EmptyArchiveSkip,
		})

		task, err := a.Generate(context.Background(), &domain.ContentManifest{
			BuildID: "9001",
			Entries: []domain.ContentEntry{source.entry("/a/missing.jar", "")},
		})
		require.NoError(t, err)
		require.NoError(t, waitTask(t, task))
		require.True(t, task.Skipped())

		state, ok := a.Status("9001")
		require.True(t, ok)
		require.Equal(t, domain.StatusCompleted, state)

		_, err = a.GetArchive("9001")
		require.ErrorIs(t, err, ErrNotFound)

		_, err = os.Stat(a.layout.StagingDir("9001"))
		require.ErrorIs(t, err, os.ErrNotExist)
	})
}

// TestGenerate_ReusesUnchangedEntries fetches nothing twice except checksum files.
func TestGenerate_ReusesUnchangedEntries(t *testing.T) {
	t.Parallel()

	source := newUpstream(t, map[string]string{
		"/a/b.jar":      "jar-bytes",
		"/a/b.jar.sha1": "73728ce3",
		"/a/c.jar":      "c-bytes",
	})
	a := newArchiver(t, Options{Fetcher: fetcher.New(fetcher.Options{})})

	manifest := &domain.ContentManifest{
		BuildID: "9000",
		Entries: []domain.ContentEntry{
			source.entry("/a/b.jar", "73728ce3"),
			source.entry("/a/b.jar.sha1", "aaaa"),
			source.entry("/a/c.jar", ""),
		},
	}

	for range 2 {
		task, err := a.Generate(context.Background(), manifest)
		require.NoError(t, err)
		require.NoError(t, waitTask(t, task))
	}

	require.Equal(t, 1, source.hitsFor("/a/b.jar"))
	require.Equal(t, 2, source.hitsFor("/a/b.jar.sha1"))
	// No checksum, no reuse.
	require.Equal(t, 2, source.hitsFor("/a/c.jar"))

	members := archiveMembers(t, a.layout.ArchivePath("9000"))
	require.Equal(t, []string{"/a/b.jar", "/a/b.jar.sha1", "/a/c.jar", "9000"}, memberNames(members))
	require.Equal(t, "jar-bytes", members["/a/b.jar"])
}

// stubFetcher writes every entry into the workspace and records concurrency.
type stubFetcher struct {
	active    atomic.Int32
	maxActive atomic.Int32
	delay     time.Duration
	err       error
	block     bool
}

func (f *stubFetcher) Fetch(
	ctx context.Context,
	dir string,
	entries []domain.ContentEntry,
	_ map[string]domain.Checksums,
) (fetcher.Tally, error) {
	current := f.active.Add(1)
	defer f.active.Add(-1)

	for {
		seen := f.maxActive.Load()
		if current <= seen || f.maxActive.CompareAndSwap(seen, current) {
			break
		}
	}

	if f.block {
		<-ctx.Done()
		return fetcher.Tally{Failed: len(entries)}, ctx.Err()
	}

	time.Sleep(f.delay)

	if f.err != nil {
		return fetcher.Tally{}, f.err
	}

	for i := range entries {
		path, err := domain.StagedPath(dir, entries[i].RelativePath)
		if err != nil {
			return fetcher.Tally{}, err
		}

		if err = os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return fetcher.Tally{}, err
		}

		if err = os.WriteFile(path, []byte(entries[i].RelativePath), 0o644); err != nil {
			return fetcher.Tally{}, err
		}
	}

	return fetcher.Tally{Succeeded: len(entries)}, nil
}

// TestGenerate_SerializesSameBuild never runs two pipelines of one build at once.
func TestGenerate_SerializesSameBuild(t *testing.T) {
	t.Parallel()

	stub := &stubFetcher{delay: 10 * time.Millisecond}
	a := newArchiver(t, Options{Fetcher: stub, GenerationWorkers: 8})

	manifest := &domain.ContentManifest{
		BuildID: "9000",
		Entries: []domain.ContentEntry{{RelativePath: "/a/b.jar"}},
	}

	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		tasks []*Task
	)

	for range 8 {
		wg.Add(1)

		go func() {
			defer wg.Done()

			task, err := a.Generate(context.Background(), manifest)
			if err != nil {
				t.Error(err)
				return
			}

			mu.Lock()
			tasks = append(tasks, task)
			mu.Unlock()
		}()
	}

	wg.Wait()
	require.Len(t, tasks, 8)

	for _, task := range tasks {
		require.NoError(t, waitTask(t, task))
	}

	require.Equal(t, int32(1), stub.maxActive.Load())
	require.Zero(t, a.locks.len())
}

// TestGenerate_FailureRemovesStatus reverts the build to absent and cleans up.
func TestGenerate_FailureRemovesStatus(t *testing.T) {
	t.Parallel()

	errUpstream := errors.New("upstream exploded")
	stub := &stubFetcher{err: errUpstream}
	a := newArchiver(t, Options{Fetcher: stub})

	manifest := &domain.ContentManifest{
		BuildID: "9000",
		Entries: []domain.ContentEntry{{RelativePath: "/a/b.jar"}},
	}

	task, err := a.Generate(context.Background(), manifest)
	require.NoError(t, err)
	require.ErrorIs(t, waitTask(t, task), errUpstream)

	require.False(t, a.StatusExists("9000"))

	_, err = os.Stat(a.layout.StagingDir("9000"))
	require.ErrorIs(t, err, os.ErrNotExist)

	// A retry starts clean.
	stub.err = nil

	task, err = a.Generate(context.Background(), manifest)
	require.NoError(t, err)
	require.NoError(t, waitTask(t, task))
	require.True(t, a.StatusExists("9000"))
}

// TestGenerate_Timeout aborts a stuck generation through the failure path.
func TestGenerate_Timeout(t *testing.T) {
	t.Parallel()

	a := newArchiver(t, Options{
		Fetcher:           &stubFetcher{block: true},
		GenerationTimeout: 50 * time.Millisecond,
	})

	task, err := a.Generate(context.Background(), &domain.ContentManifest{
		BuildID: "9000",
		Entries: []domain.ContentEntry{{RelativePath: "/a/b.jar"}},
	})
	require.NoError(t, err)
	require.ErrorIs(t, waitTask(t, task), context.DeadlineExceeded)
	require.False(t, a.StatusExists("9000"))
}

// TestGenerate_PublishFaultKeepsPreviousArchive injects a failure before the rename.
func TestGenerate_PublishFaultKeepsPreviousArchive(t *testing.T) {
	t.Parallel()

	layout := domain.NewLayout(t.TempDir())

	var failRename atomic.Bool

	errDisk := errors.New("disk detached")
	publisher := packager.NewPublisher(layout, packager.WithRename(func(oldPath, newPath string) error {
		if failRename.Load() {
			return errDisk
		}

		return os.Rename(oldPath, newPath)
	}))

	a := newArchiver(t, Options{Layout: layout, Fetcher: &stubFetcher{}, Publisher: publisher})

	first := &domain.ContentManifest{
		BuildID: "9000",
		Entries: []domain.ContentEntry{{RelativePath: "/a/b.jar"}},
	}

	task, err := a.Generate(context.Background(), first)
	require.NoError(t, err)
	require.NoError(t, waitTask(t, task))

	before, err := os.ReadFile(layout.ArchivePath("9000"))
	require.NoError(t, err)

	failRename.Store(true)

	second := &domain.ContentManifest{
		BuildID: "9000",
		Entries: []domain.ContentEntry{{RelativePath: "/a/b.jar"}, {RelativePath: "/a/c.jar"}},
	}

	task, err = a.Generate(context.Background(), second)
	require.NoError(t, err)
	require.ErrorIs(t, waitTask(t, task), errDisk)

	after, err := os.ReadFile(layout.ArchivePath("9000"))
	require.NoError(t, err)
	require.Equal(t, before, after)

	_, err = os.Stat(layout.PartPath("9000"))
	require.ErrorIs(t, err, os.ErrNotExist)

	file, err := a.GetArchive("9000")
	require.NoError(t, err)
	require.NoError(t, file.Close())
}

// TestRecover marks published archives only.
func TestRecover(t *testing.T) {
	t.Parallel()

	layout := domain.NewLayout(t.TempDir())
	require.NoError(t, os.MkdirAll(layout.ArchiveDir(), 0o755))

	for _, name := range []string{"1.zip", "2.part.zip", "notes.txt"} {
		require.NoError(t, os.WriteFile(filepath.Join(layout.ArchiveDir(), name), []byte("x"), 0o644))
	}

	a := newArchiver(t, Options{Layout: layout, Fetcher: &stubFetcher{}})

	state, ok := a.Status("1")
	require.True(t, ok)
	require.Equal(t, domain.StatusCompleted, state)

	require.False(t, a.StatusExists("2"))
	require.Equal(t, map[string]domain.GenerationStatus{"1": domain.StatusCompleted}, a.Statuses())
}

// TestDeleteArchiveWithChecksum deletes only on an exact digest match.
func TestDeleteArchiveWithChecksum(t *testing.T) {
	t.Parallel()

	a := newArchiver(t, Options{Fetcher: &stubFetcher{}})
	ctx := context.Background()

	task, err := a.Generate(ctx, &domain.ContentManifest{
		BuildID: "9000",
		Entries: []domain.ContentEntry{{RelativePath: "/a/b.jar"}},
	})
	require.NoError(t, err)
	require.NoError(t, waitTask(t, task))

	before, err := os.ReadFile(a.layout.ArchivePath("9000"))
	require.NoError(t, err)

	require.NoError(t, a.DeleteArchiveWithChecksum(ctx, "9000", "deadbeef"))

	after, err := os.ReadFile(a.layout.ArchivePath("9000"))
	require.NoError(t, err)
	require.Equal(t, before, after)
	require.True(t, a.StatusExists("9000"))

	sum := sha256.Sum256(before)
	require.NoError(t, a.DeleteArchiveWithChecksum(ctx, "9000", hex.EncodeToString(sum[:])))

	_, err = a.GetArchive("9000")
	require.ErrorIs(t, err, ErrNotFound)
	require.False(t, a.StatusExists("9000"))

	// Already gone.
	require.NoError(t, a.DeleteArchiveWithChecksum(ctx, "9000", hex.EncodeToString(sum[:])))
}

// TestDeleteArchive tolerates missing archives and rejects unsafe ids.
func TestDeleteArchive(t *testing.T) {
	t.Parallel()

	a := newArchiver(t, Options{Fetcher: &stubFetcher{}})
	ctx := context.Background()

	require.NoError(t, os.WriteFile(a.layout.ArchivePath("1"), []byte("x"), 0o644))
	require.NoError(t, a.Recover(ctx))
	require.True(t, a.StatusExists("1"))

	require.NoError(t, a.DeleteArchive(ctx, "1"))
	require.False(t, a.StatusExists("1"))
	require.NoError(t, a.DeleteArchive(ctx, "1"))

	require.ErrorIs(t, a.DeleteArchive(ctx, "../1"), domain.ErrInvalidManifest)

	_, err := a.GetArchive("..")
	require.ErrorIs(t, err, domain.ErrInvalidManifest)
}

// TestCleanup sweeps archives by access time.
func TestCleanup(t *testing.T) {
	t.Parallel()

	days := 3
	layout := domain.NewLayout(t.TempDir())
	a := newArchiver(t, Options{Layout: layout, Fetcher: &stubFetcher{}, NotUsedDays: &days})
	ctx := context.Background()

	now := time.Now()
	stale := now.Add(-5 * day)

	write := func(name string, accessed, modified time.Time) string {
		path := filepath.Join(layout.ArchiveDir(), name)
		require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))
		require.NoError(t, os.Chtimes(path, accessed, modified))

		return path
	}

	old := write("1.zip", stale, stale)
	fresh := write("2.zip", now, stale)
	oldPart := write("3.part.zip", stale, stale)
	freshPart := write("4.part.zip", now, now)

	require.NoError(t, a.Recover(ctx))
	require.NoError(t, a.Cleanup(ctx))

	for _, path := range []string{old, oldPart} {
		_, err := os.Stat(path)
		require.ErrorIs(t, err, os.ErrNotExist, path)
	}

	for _, path := range []string{fresh, freshPart} {
		_, err := os.Stat(path)
		require.NoError(t, err, path)
	}

	require.False(t, a.StatusExists("1"))
	require.True(t, a.StatusExists("2"))
}

// TestCleanup_Disabled leaves everything alone without a threshold.
func TestCleanup_Disabled(t *testing.T) {
	t.Parallel()

	layout := domain.NewLayout(t.TempDir())
	a := newArchiver(t, Options{Layout: layout, Fetcher: &stubFetcher{}})

	path := filepath.Join(layout.ArchiveDir(), "1.zip")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))

	stale := time.Now().Add(-365 * day)
	require.NoError(t, os.Chtimes(path, stale, stale))

	require.NoError(t, a.Cleanup(context.Background()))

	_, err := os.Stat(path)
	require.NoError(t, err)
}

// TestClose rejects new generations and waits for running ones.
func TestClose(t *testing.T) {
	t.Parallel()

	a := New(Options{
		Layout:  domain.NewLayout(t.TempDir()),
		Fetcher: &stubFetcher{delay: 20 * time.Millisecond},
	})

	manifest := &domain.ContentManifest{
		BuildID: "9000",
		Entries: []domain.ContentEntry{{RelativePath: "/a/b.jar"}},
	}

	task, err := a.Generate(context.Background(), manifest)
	require.NoError(t, err)

	require.NoError(t, a.Close(context.Background()))

	select {
	case <-task.Done():
	default:
		require.FailNow(t, "Close returned before the generation finished")
	}

	require.NoError(t, task.Err())

	_, err = a.Generate(context.Background(), manifest)
	require.ErrorIs(t, err, ErrClosed)
}

// TestClose_Deadline cancels generations that outlive the shutdown deadline.
func TestClose_Deadline(t *testing.T) {
	t.Parallel()

	a := New(Options{
		Layout:  domain.NewLayout(t.TempDir()),
		Fetcher: &stubFetcher{block: true},
	})

	task, err := a.Generate(context.Background(), &domain.ContentManifest{BuildID: "9000"})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	require.ErrorIs(t, a.Close(ctx), context.DeadlineExceeded)
	require.ErrorIs(t, task.Err(), context.Canceled)
	require.False(t, a.StatusExists("9000"))
}

// TestGenerate_InvalidManifest rejects unusable build ids before scheduling.
func TestGenerate_InvalidManifest(t *testing.T) {
	t.Parallel()

	a := newArchiver(t, Options{Fetcher: &stubFetcher{}})

	_, err := a.Generate(context.Background(), &domain.ContentManifest{BuildID: ""})
	require.ErrorIs(t, err, domain.ErrInvalidManifest)
}
