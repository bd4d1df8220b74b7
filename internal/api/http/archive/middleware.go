package archive

import (
	"net/http"
	"time"

	"github.com/oshokin/build-archive/internal/logger"
)

// statusRecorder remembers the status code written by a handler.
type statusRecorder struct {
	http.ResponseWriter

	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// withRequestLogging binds a request scoped logger and logs every request at debug level.
func withRequestLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()

		ctx := logger.WithName(r.Context(), "http")
		ctx = logger.WithFields(ctx, map[string]any{
			"method": r.Method,
			"path":   r.URL.Path,
		})

		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(recorder, r.WithContext(ctx))

		logger.DebugKV(ctx, "Request served",
			"status", recorder.status,
			"elapsed", time.Since(started))
	})
}
