package middleware

import (
	"net/http"

	"github.com/cronicle-edge/corectl/pkg/logger"
)

// Recovery converts a panic inside a handler into a 500 response instead of
// killing the whole listener goroutine. A dead job or a malformed API
// payload must never take the process down.
func Recovery(log *logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					log.WithFields(map[string]interface{}{
						"path":  r.URL.Path,
						"panic": rec,
					}).Error("recovered from panic in handler")
					http.Error(w, `{"code":"io","description":"internal error"}`, http.StatusInternalServerError)
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}
