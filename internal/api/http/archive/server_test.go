package archive

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	domain "github.com/oshokin/build-archive/internal/domain/archive"
	"github.com/oshokin/build-archive/internal/service/archiver"
	"github.com/oshokin/build-archive/internal/service/resolver"
)

// fakeService implements Service for unit testing the transport.
type fakeService struct {
	mu sync.Mutex

	archiveDir string
	generated  []*domain.ContentManifest
	statuses   map[string]domain.GenerationStatus
	deleted    []string
	checksums  []string
	cleanups   int
	existsHits int
	failWith   error
}

func (f *fakeService) Generate(_ context.Context, manifest *domain.ContentManifest) (*archiver.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.failWith != nil {
		return nil, f.failWith
	}

	f.generated = append(f.generated, manifest)

	return nil, nil
}

func (f *fakeService) Status(buildID string) (domain.GenerationStatus, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	state, ok := f.statuses[buildID]

	return state, ok
}

func (f *fakeService) StatusExists(buildID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.existsHits++
	_, ok := f.statuses[buildID]

	return ok
}

func (f *fakeService) GetArchive(buildID string) (*os.File, error) {
	file, err := os.Open(filepath.Join(f.archiveDir, buildID+domain.ArchiveSuffix))
	if errors.Is(err, os.ErrNotExist) {
		return nil, archiver.ErrNotFound
	}

	return file, err
}

func (f *fakeService) DeleteArchive(_ context.Context, buildID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.deleted = append(f.deleted, buildID)

	return nil
}

func (f *fakeService) DeleteArchiveWithChecksum(_ context.Context, buildID, checksum string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.deleted = append(f.deleted, buildID)
	f.checksums = append(f.checksums, checksum)

	return nil
}

func (f *fakeService) Cleanup(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.cleanups++

	return f.failWith
}

func newTestServer(t *testing.T, service *fakeService) *httptest.Server {
	t.Helper()

	metricsHandler := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("# metrics"))
	})

	server := httptest.NewServer(NewServer(service, resolver.New(""), metricsHandler).Handler())
	t.Cleanup(server.Close)

	return server
}

func do(t *testing.T, method, url, body string) (*http.Response, string) {
	t.Helper()

	request, err := http.NewRequestWithContext(context.Background(), method, url, strings.NewReader(body))
	require.NoError(t, err)

	response, err := http.DefaultClient.Do(request)
	require.NoError(t, err)

	defer func() {
		_ = response.Body.Close()
	}()

	content, err := io.ReadAll(response.Body)
	require.NoError(t, err)

	return response, string(content)
}

func TestGenerate(t *testing.T) {
	t.Parallel()

	service := &fakeService{}
	server := newTestServer(t, service)

	body := `{"buildConfigId":"9000","downloads":[
		{"storeKey":"maven:hosted:shared","path":"/a/b.jar","sha1":"73728ce3","localUrl":"http://local/a/b.jar"},
		{"storeKey":"maven:hosted:shared","path":"/a/maven-metadata.xml","localUrl":"http://local/m"}
	]}`

	response, _ := do(t, http.MethodPost, server.URL+"/api/archive/generate", body)
	require.Equal(t, http.StatusAccepted, response.StatusCode)

	require.Len(t, service.generated, 1)
	require.Equal(t, "9000", service.generated[0].BuildID)
	require.Len(t, service.generated[0].Entries, 1)
	require.Equal(t, "http://local/a/b.jar", service.generated[0].Entries[0].RetrievalLocation)

	response, _ = do(t, http.MethodPost, server.URL+"/api/archive/generate", "{not json")
	require.Equal(t, http.StatusBadRequest, response.StatusCode)

	response, _ = do(t, http.MethodPost, server.URL+"/api/archive/generate", `{"buildConfigId":""}`)
	require.Equal(t, http.StatusBadRequest, response.StatusCode)
}

func TestGenerate_Closed(t *testing.T) {
	t.Parallel()

	server := newTestServer(t, &fakeService{failWith: archiver.ErrClosed})

	response, _ := do(t, http.MethodPost, server.URL+"/api/archive/generate", `{"buildConfigId":"9000"}`)
	require.Equal(t, http.StatusServiceUnavailable, response.StatusCode)
}

func TestStatus(t *testing.T) {
	t.Parallel()

	service := &fakeService{
		statuses: map[string]domain.GenerationStatus{
			"9000": domain.StatusCompleted,
			"9001": domain.StatusInProgress,
		},
	}
	server := newTestServer(t, service)

	response, body := do(t, http.MethodGet, server.URL+"/api/archive/9000/status", "")
	require.Equal(t, http.StatusOK, response.StatusCode)

	var decoded map[string]string
	require.NoError(t, json.Unmarshal([]byte(body), &decoded))
	require.Equal(t, map[string]string{"buildConfigId": "9000", "status": "Completed"}, decoded)

	response, body = do(t, http.MethodGet, server.URL+"/api/archive/9001/status", "")
	require.Equal(t, http.StatusOK, response.StatusCode)
	require.Contains(t, body, "In Progress")

	response, _ = do(t, http.MethodGet, server.URL+"/api/archive/9002/status", "")
	require.Equal(t, http.StatusNotFound, response.StatusCode)

	response, _ = do(t, http.MethodHead, server.URL+"/api/archive/9000/status", "")
	require.Equal(t, http.StatusOK, response.StatusCode)

	response, _ = do(t, http.MethodHead, server.URL+"/api/archive/9002/status", "")
	require.Equal(t, http.StatusNotFound, response.StatusCode)

	// Only the HEAD requests go through the existence check.
	require.Equal(t, 2, service.existsHits)
}

func TestGetArchive(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "9000.zip"), []byte("zip-bytes"), 0o644))

	server := newTestServer(t, &fakeService{archiveDir: dir})

	response, body := do(t, http.MethodGet, server.URL+"/api/archive/9000", "")
	require.Equal(t, http.StatusOK, response.StatusCode)
	require.Equal(t, "zip-bytes", body)
	require.Equal(t, "application/zip", response.Header.Get("Content-Type"))
	require.Equal(t, "attachment;filename=9000.zip", response.Header.Get("Content-Disposition"))

	response, _ = do(t, http.MethodGet, server.URL+"/api/archive/9001", "")
	require.Equal(t, http.StatusNotFound, response.StatusCode)
}

func TestDeleteAndCleanup(t *testing.T) {
	t.Parallel()

	service := &fakeService{}
	server := newTestServer(t, service)

	response, _ := do(t, http.MethodDelete, server.URL+"/api/archive/9000", "")
	require.Equal(t, http.StatusNoContent, response.StatusCode)

	response, _ = do(t, http.MethodDelete, server.URL+"/api/archive/9001?checksum=abc", "")
	require.Equal(t, http.StatusNoContent, response.StatusCode)

	require.Equal(t, []string{"9000", "9001"}, service.deleted)
	require.Equal(t, []string{"abc"}, service.checksums)

	response, _ = do(t, http.MethodPost, server.URL+"/api/archive/cleanup", "")
	require.Equal(t, http.StatusNoContent, response.StatusCode)
	require.Equal(t, 1, service.cleanups)
}

func TestVersionInfoAndMetrics(t *testing.T) {
	t.Parallel()

	server := newTestServer(t, &fakeService{})

	response, body := do(t, http.MethodGet, server.URL+"/api/stats/version-info", "")
	require.Equal(t, http.StatusOK, response.StatusCode)
	require.Contains(t, body, `"version"`)
	require.Contains(t, body, `"commit-id"`)

	response, body = do(t, http.MethodGet, server.URL+"/metrics", "")
	require.Equal(t, http.StatusOK, response.StatusCode)
	require.Equal(t, "# metrics", body)
}
