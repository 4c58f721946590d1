package api

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/fruitsalade/bundleproxy/internal/bundle"
	"github.com/fruitsalade/bundleproxy/internal/engine"
	"github.com/fruitsalade/bundleproxy/internal/logging"
)

// ─── Play ───────────────────────────────────────────────────────────────────

func (s *Server) handlePlay(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	req := engine.PlayRequest{
		Backend: r.PathValue("backend"),
		Pointer: q.Get("pointer"),
		Entry:   q.Get("entry"),
	}
	if v := q.Get("inline"); v != "" {
		on, err := strconv.ParseBool(v)
		if err != nil {
			s.sendErrorPage(w, r, fmt.Errorf("%w: inline=%q is not a boolean", errBadParameter, v))
			return
		}
		req.Inline = &on
	}
	s.play(w, r, req)
}

// handleCachedGame plays a game link the way the old service-worker route
// did. The tree backend is preferred; the mirror serves the same files.
func (s *Server) handleCachedGame(w http.ResponseWriter, r *http.Request) {
	backend := bundle.BackendTree
	if _, ok := s.engine.Space(backend); !ok {
		if _, ok := s.engine.Space(bundle.BackendMirror); ok {
			backend = bundle.BackendMirror
		}
	}
	s.play(w, r, engine.PlayRequest{Backend: backend, Pointer: r.PathValue("link")})
}

// handleZipProxy serves the archive backend under its legacy query form:
// the entry document when assetPath is absent, otherwise one member.
func (s *Server) handleZipProxy(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	zipPath := q.Get("zipPath")
	if zipPath == "" {
		s.sendError(w, http.StatusBadRequest, "zipPath query parameter is required")
		return
	}

	assetPath := q.Get("assetPath")
	if assetPath == "" {
		s.play(w, r, engine.PlayRequest{
			Backend: bundle.BackendArchive,
			Pointer: zipPath,
			Entry:   q.Get("htmlFile"),
		})
		return
	}

	ref, err := bundle.ResolveArchive(zipPath, assetPath)
	if err != nil {
		s.sendErrorFor(w, r, err)
		return
	}
	a, err := s.engine.Member(r.Context(), bundle.BackendArchive, ref.Entry)
	if err != nil {
		s.sendErrorFor(w, r, err)
		return
	}
	s.writeAsset(w, r, a)
}

func (s *Server) play(w http.ResponseWriter, r *http.Request, req engine.PlayRequest) {
	doc, err := s.engine.Play(r.Context(), req)
	if err != nil {
		s.sendErrorPage(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Bundle-Root", doc.Ref.Root)
	w.WriteHeader(http.StatusOK)
	io.WriteString(w, doc.HTML)
}

// ─── Assets ─────────────────────────────────────────────────────────────────

func (s *Server) handleAsset(w http.ResponseWriter, r *http.Request) {
	a, err := s.engine.Asset(r.Context(), r.PathValue("backend"), r.URL.EscapedPath())
	if err != nil {
		s.sendErrorFor(w, r, err)
		return
	}
	s.writeAsset(w, r, a)
}

// writeAsset writes a member. Buffered members support range requests;
// streamed members are copied through as they arrive.
func (s *Server) writeAsset(w http.ResponseWriter, r *http.Request, a *engine.Asset) {
	w.Header().Set("Content-Type", a.ContentType)
	if a.Cached {
		w.Header().Set("X-Cache", "HIT")
	} else {
		w.Header().Set("X-Cache", "MISS")
	}

	if a.Body == nil {
		http.ServeContent(w, r, a.Path, time.Time{}, bytes.NewReader(a.Bytes))
		return
	}

	defer a.Body.Close()
	w.WriteHeader(http.StatusOK)
	if r.Method == http.MethodHead {
		return
	}
	n, err := io.Copy(w, a.Body)
	if err != nil {
		logging.WithContext(r.Context()).Warn("asset stream interrupted",
			logging.String("path", a.Path),
			logging.Int64("written", n),
			logging.Err(err))
	}
}
