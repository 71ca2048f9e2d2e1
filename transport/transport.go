// Package transport implements spec.md §4.8's HTTP(S) server: admission
// control, conditional GET, Range requests, compression negotiation, and
// the WebSocket upgrade path into the cluster's broadcast hub.
package transport

import (
	"compress/flate"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/cronicle-edge/corectl/cluster"
	"github.com/cronicle-edge/corectl/infrastructure/metrics"
	"github.com/cronicle-edge/corectl/infrastructure/middleware"
	"github.com/cronicle-edge/corectl/pkg/logger"
	"github.com/cronicle-edge/corectl/storage"
)

// Config configures the HTTP(S) server, mirroring spec.md §6 transport
// knobs.
type Config struct {
	Addr                  string
	MaxConcurrentRequests int
	MaxQueueLength        int
	MaxQueueActive        int
	PrelimTimeout         time.Duration
	HTTPTimeout           time.Duration
	// TextContentPattern selects which response Content-Types are eligible
	// for compression negotiation (spec.md §4.8 "intersected with
	// configured text content regex").
	TextContentPattern string
	// ServiceName labels this node's metrics (Metrics middleware + /metrics
	// exposition). If Metrics is nil no metrics middleware is installed.
	ServiceName string
	Metrics     *metrics.Metrics
}

// Server wires the router, middleware chain, binary-log streaming
// handlers, and the WebSocket upgrade endpoint.
type Server struct {
	cfg         Config
	router      *mux.Router
	storage     *storage.Storage
	hub         *cluster.Hub
	log         *logger.Logger
	textContent *regexp.Regexp
	httpServer  *http.Server
}

// New builds a Server. Callers register API handlers on Router() before
// calling ListenAndServe.
func New(cfg Config, st *storage.Storage, hub *cluster.Hub, log *logger.Logger) *Server {
	if cfg.TextContentPattern == "" {
		cfg.TextContentPattern = `^(text/|application/json)`
	}
	s := &Server{
		cfg:         cfg,
		router:      mux.NewRouter(),
		storage:     st,
		hub:         hub,
		log:         log,
		textContent: regexp.MustCompile(cfg.TextContentPattern),
	}

	s.router.Use(middleware.Recovery(log))
	s.router.Use(middleware.Logging(log))
	s.router.Use(middleware.SecurityHeaders)
	s.router.Use(middleware.Admission(middleware.AdmissionConfig{
		MaxConcurrentRequests: cfg.MaxConcurrentRequests,
		MaxQueueLength:        cfg.MaxQueueLength,
		MaxQueueActive:        cfg.MaxQueueActive,
	}))
	if cfg.Metrics != nil {
		s.router.Use(middleware.Metrics(cfg.ServiceName, cfg.Metrics))
		s.router.Handle("/metrics", promhttp.Handler())
	}
	s.router.Use(s.compressionMiddleware)

	s.router.HandleFunc("/socket.io/", s.handleWebSocket)
	s.router.HandleFunc("/jobs/{id}/log.txt", s.handleJobLog)

	return s
}

// Router exposes the underlying mux.Router for API handler registration.
func (s *Server) Router() *mux.Router { return s.router }

// ListenAndServe starts the HTTP(S) server; it blocks until ctx is
// cancelled or the listener fails.
func (s *Server) ListenAndServe(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: s.cfg.PrelimTimeout,
		ReadTimeout:       s.cfg.HTTPTimeout,
		WriteTimeout:      s.cfg.HTTPTimeout,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- s.httpServer.ListenAndServe() }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.hub == nil {
		http.Error(w, `{"code":"io","description":"websocket hub not configured"}`, http.StatusServiceUnavailable)
		return
	}
	if err := s.hub.Upgrade(w, r); err != nil && s.log != nil {
		s.log.WithField("error", err).Warn("transport: websocket upgrade failed")
	}
}

// handleJobLog serves a job's binary log key with conditional GET and
// Range support, per spec.md §4.8.
func (s *Server) handleJobLog(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	key := fmt.Sprintf("jobs/%s/log.txt.gz", vars["id"])

	head, err := s.storage.Head(r.Context(), key)
	if err != nil {
		http.Error(w, `{"code":"NoSuchKey","description":"no such job log"}`, http.StatusNotFound)
		return
	}

	etag := fmt.Sprintf(`"%x-%x"`, head.ModEpoch, head.Len)
	w.Header().Set("ETag", etag)
	w.Header().Set("Last-Modified", time.Unix(head.ModEpoch, 0).UTC().Format(http.TimeFormat))
	w.Header().Set("Accept-Ranges", "bytes")

	if match := r.Header.Get("If-None-Match"); match != "" && match == etag {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	if since := r.Header.Get("If-Modified-Since"); since != "" {
		if t, err := time.Parse(http.TimeFormat, since); err == nil && !time.Unix(head.ModEpoch, 0).UTC().After(t) {
			w.WriteHeader(http.StatusNotModified)
			return
		}
	}

	if rangeHeader := r.Header.Get("Range"); rangeHeader != "" {
		from, to, ok := parseRange(rangeHeader, head.Len)
		if !ok {
			http.Error(w, `{"code":"validation","description":"invalid range"}`, http.StatusRequestedRangeNotSatisfiable)
			return
		}
		stream, err := s.storage.GetStreamRange(r.Context(), key, from, to)
		if err != nil {
			http.Error(w, `{"code":"io","description":"range read failed"}`, http.StatusInternalServerError)
			return
		}
		defer stream.Close()
		w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", from, to-1, head.Len))
		w.Header().Set("Content-Length", strconv.FormatInt(to-from, 10))
		w.WriteHeader(http.StatusPartialContent)
		_, _ = io.Copy(w, stream)
		return
	}

	stream, _, err := s.storage.GetStream(r.Context(), key)
	if err != nil {
		http.Error(w, `{"code":"io","description":"read failed"}`, http.StatusInternalServerError)
		return
	}
	defer stream.Close()
	w.Header().Set("Content-Length", strconv.FormatInt(head.Len, 10))
	_, _ = io.Copy(w, stream)
}

// parseRange parses a single "bytes=from-to" Range header value.
func parseRange(header string, total int64) (from, to int64, ok bool) {
	spec := strings.TrimPrefix(header, "bytes=")
	parts := strings.SplitN(spec, "-", 2)
	if len(parts) != 2 {
		return 0, 0, false
	}
	from, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return 0, 0, false
	}
	if parts[1] == "" {
		to = total
	} else {
		to, err = strconv.ParseInt(parts[1], 10, 64)
		if err != nil {
			return 0, 0, false
		}
		to++ // header end is inclusive
	}
	if from < 0 || to > total || from >= to {
		return 0, 0, false
	}
	return from, to, true
}

// compressionMiddleware negotiates gzip/deflate against Accept-Encoding,
// restricted to text-ish content types per spec.md §4.8. brotli is
// declared in no pack example's go.mod, so this uses the stdlib codecs
// (compress/gzip, compress/flate) only.
func (s *Server) compressionMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		accept := r.Header.Get("Accept-Encoding")
		switch {
		case strings.Contains(accept, "gzip"):
			gz := gzip.NewWriter(w)
			defer gz.Close()
			w.Header().Set("Content-Encoding", "gzip")
			next.ServeHTTP(&compressedWriter{ResponseWriter: w, writer: gz, textContent: s.textContent}, r)
		case strings.Contains(accept, "deflate"):
			fl, _ := flate.NewWriter(w, flate.DefaultCompression)
			defer fl.Close()
			w.Header().Set("Content-Encoding", "deflate")
			next.ServeHTTP(&compressedWriter{ResponseWriter: w, writer: fl, textContent: s.textContent}, r)
		default:
			next.ServeHTTP(w, r)
		}
	})
}

type compressedWriter struct {
	http.ResponseWriter
	writer      io.Writer
	textContent *regexp.Regexp
	decided     bool
	compress    bool
}

func (cw *compressedWriter) Write(b []byte) (int, error) {
	if !cw.decided {
		ct := cw.Header().Get("Content-Type")
		cw.compress = cw.textContent.MatchString(ct)
		if !cw.compress {
			cw.Header().Del("Content-Encoding")
		}
		cw.decided = true
	}
	if cw.compress {
		return cw.writer.Write(b)
	}
	return cw.ResponseWriter.Write(b)
}
