package archive

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"time"

	"github.com/julienschmidt/httprouter"

	domain "github.com/oshokin/build-archive/internal/domain/archive"
	"github.com/oshokin/build-archive/internal/logger"
	"github.com/oshokin/build-archive/internal/service/archiver"
	"github.com/oshokin/build-archive/internal/version"
)

const (
	// buildIDParam is the route parameter holding the build id.
	buildIDParam = "buildConfigId"
	// checksumParam is the query parameter of a digest-gated delete.
	checksumParam = "checksum"
	// maxManifestBytes bounds a generate request body.
	maxManifestBytes = 64 << 20
)

// Service abstracts the archive operations the transport layer depends on.
type Service interface {
	Generate(ctx context.Context, manifest *domain.ContentManifest) (*archiver.Task, error)
	Status(buildID string) (domain.GenerationStatus, bool)
	StatusExists(buildID string) bool
	GetArchive(buildID string) (*os.File, error)
	DeleteArchive(ctx context.Context, buildID string) error
	DeleteArchiveWithChecksum(ctx context.Context, buildID, checksum string) error
	Cleanup(ctx context.Context) error
}

// Resolver fills retrieval locations of a received manifest.
type Resolver interface {
	Resolve(ctx context.Context, manifest *domain.ContentManifest) (*domain.ContentManifest, error)
}

// StatusResponse is the body of a status query.
type StatusResponse struct {
	BuildID string                  `json:"buildConfigId"`
	Status  domain.GenerationStatus `json:"status"`
}

// Server implements the archive HTTP API.
type Server struct {
	// service provides the archive operations.
	service Service
	// resolver prepares manifests for generation.
	resolver Resolver
	// metrics is served on /metrics when set.
	metrics http.Handler
}

// NewServer wires the provided service and resolver into HTTP handlers.
// metricsHandler may be nil.
func NewServer(service Service, resolver Resolver, metricsHandler http.Handler) *Server {
	return &Server{
		service:  service,
		resolver: resolver,
		metrics:  metricsHandler,
	}
}

// Handler returns the routed HTTP handler.
func (s *Server) Handler() http.Handler {
	router := httprouter.New()

	router.POST("/api/archive/generate", s.generate)
	router.POST("/api/archive/cleanup", s.cleanup)
	router.GET("/api/archive/:"+buildIDParam, s.getArchive)
	router.DELETE("/api/archive/:"+buildIDParam, s.deleteArchive)
	router.GET("/api/archive/:"+buildIDParam+"/status", s.status)
	router.HEAD("/api/archive/:"+buildIDParam+"/status", s.statusExists)
	router.GET("/api/stats/version-info", s.versionInfo)

	if s.metrics != nil {
		router.Handler(http.MethodGet, "/metrics", s.metrics)
	}

	return withRequestLogging(router)
}

func (s *Server) generate(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	ctx := r.Context()

	var manifest domain.ContentManifest

	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxManifestBytes))
	if err := decoder.Decode(&manifest); err != nil {
		http.Error(w, "invalid manifest: "+err.Error(), http.StatusBadRequest)
		return
	}

	resolved, err := s.resolver.Resolve(ctx, &manifest)
	if err != nil {
		writeError(ctx, w, err)
		return
	}

	if _, err = s.service.Generate(ctx, resolved); err != nil {
		writeError(ctx, w, err)
		return
	}

	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) getArchive(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	buildID := params.ByName(buildIDParam)

	file, err := s.service.GetArchive(buildID)
	if err != nil {
		writeError(r.Context(), w, err)
		return
	}

	defer func() {
		_ = file.Close()
	}()

	modified := time.Time{}
	if info, err := file.Stat(); err == nil {
		modified = info.ModTime()
	}

	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", "attachment;filename="+buildID+domain.ArchiveSuffix)
	http.ServeContent(w, r, buildID+domain.ArchiveSuffix, modified, file)
}

func (s *Server) status(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	buildID := params.ByName(buildIDParam)

	state, ok := s.service.Status(buildID)
	if !ok {
		http.NotFound(w, r)
		return
	}

	writeJSON(r.Context(), w, StatusResponse{BuildID: buildID, Status: state})
}

func (s *Server) statusExists(w http.ResponseWriter, _ *http.Request, params httprouter.Params) {
	if !s.service.StatusExists(params.ByName(buildIDParam)) {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	w.WriteHeader(http.StatusOK)
}

func (s *Server) deleteArchive(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	var (
		ctx      = r.Context()
		buildID  = params.ByName(buildIDParam)
		checksum = r.URL.Query().Get(checksumParam)
		err      error
	)

	if checksum != "" {
		err = s.service.DeleteArchiveWithChecksum(ctx, buildID, checksum)
	} else {
		err = s.service.DeleteArchive(ctx, buildID)
	}

	if err != nil {
		writeError(ctx, w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) cleanup(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	if err := s.service.Cleanup(r.Context()); err != nil {
		writeError(r.Context(), w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) versionInfo(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	writeJSON(r.Context(), w, version.Current())
}

// writeError maps service errors to status codes.
func writeError(ctx context.Context, w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrInvalidManifest):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, archiver.ErrNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, archiver.ErrClosed):
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
	case errors.Is(err, context.Canceled):
		// The client went away; nobody reads the answer.
		w.WriteHeader(http.StatusServiceUnavailable)
	default:
		logger.ErrorKV(ctx, "Request failed", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

func writeJSON(ctx context.Context, w http.ResponseWriter, body any) {
	w.Header().Set("Content-Type", "application/json")

	if err := json.NewEncoder(w).Encode(body); err != nil {
		logger.WarnKV(ctx, "Failed to write response", "error", err)
	}
}
