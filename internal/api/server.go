// Package api provides the HTTP server and handlers.
package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/klauspost/compress/gzhttp"

	"github.com/fruitsalade/bundleproxy/internal/engine"
	"github.com/fruitsalade/bundleproxy/internal/events"
	"github.com/fruitsalade/bundleproxy/internal/logging"
	"github.com/fruitsalade/bundleproxy/internal/metrics"
	"github.com/fruitsalade/bundleproxy/internal/ratelimit"
	"github.com/fruitsalade/bundleproxy/pkg/protocol"
)

const eventsPath = "/api/v1/events"

// keepaliveInterval is how often an idle SSE stream gets a comment line.
var keepaliveInterval = 30 * time.Second

// Options holds optional server settings.
type Options struct {
	// CORSOrigins is a comma-separated list of allowed origins; "*"
	// allows any origin and "" disables CORS headers.
	CORSOrigins string
	// RateLimiter limits requests per client. Nil disables limiting.
	RateLimiter *ratelimit.Limiter
}

// Server is the HTTP server.
type Server struct {
	engine      *engine.Engine
	broadcaster *events.Broadcaster
	limiter     *ratelimit.Limiter
	origins     []string
}

// NewServer creates a new server.
func NewServer(eng *engine.Engine, broadcaster *events.Broadcaster, opts Options) *Server {
	s := &Server{
		engine:      eng,
		broadcaster: broadcaster,
		limiter:     opts.RateLimiter,
	}
	for _, o := range strings.Split(opts.CORSOrigins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			s.origins = append(s.origins, o)
		}
	}
	return s
}

// Handler returns the HTTP handler with all routes and middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)

	// Playing bundles
	mux.HandleFunc("GET /api/v1/play/{backend}", s.handlePlay)
	mux.HandleFunc("GET /cached-game/{link...}", s.handleCachedGame)
	mux.HandleFunc("GET /api/v1/zip-proxy", s.handleZipProxy)

	// Proxied address space
	mux.HandleFunc("GET /bundles/{backend}/{path...}", s.handleAsset)

	// Cache management
	mux.HandleFunc("POST /api/v1/cache/prune", s.handlePrune)
	mux.HandleFunc("GET /api/v1/cache/stats", s.handleStats)
	mux.HandleFunc("POST /api/v1/cache/{backend}", s.handleEnsureCached)
	mux.HandleFunc("GET /api/v1/cache/{backend}", s.handleCacheStatus)
	mux.HandleFunc("DELETE /api/v1/cache/{backend}", s.handleInvalidate)
	mux.HandleFunc("GET /api/v1/members/{backend}", s.handleMembers)

	// SSE
	mux.HandleFunc("GET "+eventsPath, s.handleEvents)

	// Event streams bypass compression so every event is flushed as written.
	gz := gzhttp.GzipHandler(mux)
	var h http.Handler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == eventsPath {
			mux.ServeHTTP(w, r)
			return
		}
		gz.ServeHTTP(w, r)
	})
	if s.limiter != nil {
		h = ratelimit.Middleware(s.limiter)(h)
	}
	h = s.corsMiddleware(h)

	// Apply logging and metrics middleware
	return metrics.Middleware(logging.Middleware(h))
}

// ─── CORS ───────────────────────────────────────────────────────────────────

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if origin := s.allowedOrigin(r.Header.Get("Origin")); origin != "" {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-Request-ID, Last-Event-ID")
			w.Header().Set("Access-Control-Expose-Headers", "X-Request-ID, X-Upstream-Status, X-Cache")
			if origin != "*" {
				w.Header().Add("Vary", "Origin")
			}
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) allowedOrigin(origin string) string {
	if slices.Contains(s.origins, "*") {
		return "*"
	}
	if origin != "" && slices.Contains(s.origins, origin) {
		return origin
	}
	return ""
}

// ─── Health ─────────────────────────────────────────────────────────────────

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	c := s.engine.Cache()
	sendJSON(w, http.StatusOK, protocol.HealthResponse{
		Status:     "ok",
		Backends:   s.engine.Backends(),
		Store:      c.Store().Name(),
		Generation: c.Generation(),
	})
}

// ─── SSE Events ─────────────────────────────────────────────────────────────

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.sendError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	// Reconnecting clients resume after the last event they saw.
	var after uint64
	if v := r.Header.Get("Last-Event-ID"); v != "" {
		after, _ = strconv.ParseUint(v, 10, 64)
	}
	ch := s.broadcaster.Subscribe(events.ParseFilter(r.URL.Query().Get("types")), after)
	defer s.broadcaster.Unsubscribe(ch)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, ": connected\n\n")
	flusher.Flush()

	ctx := r.Context()
	log := logging.WithContext(ctx)
	log.Debug("SSE client connected", logging.String("remote", r.RemoteAddr))

	keepalive := time.NewTicker(keepaliveInterval)
	defer keepalive.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Debug("SSE client disconnected", logging.String("remote", r.RemoteAddr))
			return
		case <-keepalive.C:
			fmt.Fprintf(w, ": keepalive\n\n")
			flusher.Flush()
		case event, ok := <-ch:
			if !ok {
				return
			}
			data, err := events.MarshalEvent(event)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", event.ID, event.Type, data)
			flusher.Flush()
		}
	}
}

func sendJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
