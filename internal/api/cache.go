package api

import (
	"encoding/json"
	"net/http"

	"github.com/fruitsalade/bundleproxy/internal/bundle"
	"github.com/fruitsalade/bundleproxy/internal/cache"
	"github.com/fruitsalade/bundleproxy/internal/logging"
	"github.com/fruitsalade/bundleproxy/pkg/protocol"
)

// ─── Cache management ───────────────────────────────────────────────────────

func (s *Server) handleEnsureCached(w http.ResponseWriter, r *http.Request) {
	var req protocol.CacheRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	backend := r.PathValue("backend")
	ref, st, err := s.engine.Prepare(r.Context(), backend, req.Pointer, req.Entry)
	if err != nil {
		s.sendErrorFor(w, r, err)
		return
	}
	sendJSON(w, http.StatusOK, s.statusResponse(backend, ref, st))
}

func (s *Server) handleCacheStatus(w http.ResponseWriter, r *http.Request) {
	backend := r.PathValue("backend")
	q := r.URL.Query()
	ref, st, err := s.engine.Status(backend, q.Get("pointer"), q.Get("entry"))
	if err != nil {
		s.sendErrorFor(w, r, err)
		return
	}
	if st.Entry != "" {
		ref.Entry = st.Entry
	}
	sendJSON(w, http.StatusOK, s.statusResponse(backend, ref, st))
}

func (s *Server) handleInvalidate(w http.ResponseWriter, r *http.Request) {
	backend := r.PathValue("backend")
	ref, err := s.engine.InvalidatePointer(r.Context(), backend, r.URL.Query().Get("pointer"))
	if err != nil {
		s.sendErrorFor(w, r, err)
		return
	}
	logging.WithContext(r.Context()).Info("bundle invalidated",
		logging.Bundle(backend, ref.Root))
	sendJSON(w, http.StatusOK, protocol.CacheStatusResponse{
		Backend: backend,
		Root:    ref.Root,
		Status:  cache.StatusAbsent.String(),
	})
}

func (s *Server) handlePrune(w http.ResponseWriter, r *http.Request) {
	c := s.engine.Cache()
	n, err := c.Prune(r.Context())
	if err != nil {
		s.sendErrorFor(w, r, err)
		return
	}
	sendJSON(w, http.StatusOK, protocol.PruneResponse{Removed: n, Generation: c.Generation()})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	st, err := s.engine.Cache().Stats(r.Context())
	if err != nil {
		s.sendErrorFor(w, r, err)
		return
	}
	sendJSON(w, http.StatusOK, protocol.CacheStatsResponse{
		Store:      st.Store,
		Generation: st.Generation,
		Entries:    st.Entries,
		Bytes:      st.Bytes,
		States:     st.States,
		Builds:     st.Builds,
		Waiting:    st.Waiting,
	})
}

func (s *Server) handleMembers(w http.ResponseWriter, r *http.Request) {
	backend := r.PathValue("backend")
	q := r.URL.Query()
	l, err := s.engine.Members(r.Context(), backend, q.Get("pointer"), q.Get("entry"))
	if err != nil {
		s.sendErrorFor(w, r, err)
		return
	}
	sendJSON(w, http.StatusOK, protocol.MembersResponse{
		Backend: backend,
		Root:    l.Ref.Root,
		Entry:   l.Ref.Entry,
		Count:   l.Count,
		Tree:    l.Tree,
	})
}

func (s *Server) statusResponse(backend string, ref bundle.Ref, st *cache.State) protocol.CacheStatusResponse {
	resp := protocol.CacheStatusResponse{
		Backend:    backend,
		Root:       ref.Root,
		Entry:      ref.Entry,
		Status:     st.Status.String(),
		Generation: st.Generation,
		Members:    len(st.MemberKeys),
		Streamed:   st.Streamed,
		Error:      st.Error,
		UpdatedAt:  st.UpdatedAt,
	}
	if st.Status == cache.StatusReady {
		resp.EntryURL = s.engine.EntryURL(backend, ref)
	}
	return resp
}
