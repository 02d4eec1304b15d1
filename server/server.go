// Package server implements the outline HTTP surface spec §6.3 describes:
// thin net/http + gorilla/mux handlers over runtime.Runner,
// checkpointer.Saver, and xkv.Store. Per spec.md's own framing, this
// surface is outlined rather than fully implemented (no assistants/crons
// persistence, no SDK-parity edge cases) — business logic lives in
// runtime.Runner and checkpointer.Saver; handlers only translate HTTP to
// those calls and map error Kinds to status codes (spec §7's closing
// paragraph).
package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/rs/cors"

	"github.com/dshills/pregel-go/checkpointer"
	"github.com/dshills/pregel-go/pregel"
	"github.com/dshills/pregel-go/runtime"
	"github.com/dshills/pregel-go/server/auth"
	"github.com/dshills/pregel-go/xkv"
)

// Config wires the collaborators a Server's handlers delegate to, plus the
// auth hooks spec §6.6 calls for.
type Config struct {
	Runner         *runtime.Runner
	Saver          checkpointer.Saver
	Store          xkv.Store
	Authenticate   auth.Authenticator
	Authorize      auth.Authorizer
	CORSAllowedOrigins []string
}

// Server is the outline HTTP surface over one Config.
type Server struct {
	cfg    Config
	router *mux.Router
}

// New builds a Server with its routes registered, CORS applied, and
// permissive auth defaults filled in where Config leaves them nil.
func New(cfg Config) *Server {
	if cfg.Authenticate == nil {
		cfg.Authenticate = auth.NoAuth
	}
	if cfg.Authorize == nil {
		cfg.Authorize = auth.AllowAll
	}
	s := &Server{cfg: cfg, router: mux.NewRouter()}
	s.routes()
	return s
}

// Handler returns the fully wrapped http.Handler (router + CORS), ready
// to pass to http.ListenAndServe.
func (s *Server) Handler() http.Handler {
	c := cors.New(cors.Options{
		AllowedOrigins: s.cfg.CORSAllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodPatch},
		AllowedHeaders: []string{"Content-Type", "Authorization"},
	})
	return c.Handler(s.router)
}

func (s *Server) routes() {
	r := s.router
	r.HandleFunc("/threads/{thread_id}/runs", s.withAuth("threads.create_run", s.createRun)).Methods(http.MethodPost)
	r.HandleFunc("/threads/{thread_id}/runs/stream", s.withAuth("threads.create_run", s.streamRun)).Methods(http.MethodPost)
	r.HandleFunc("/threads/{thread_id}/runs/cancel", s.withAuth("threads.update", s.cancelRun)).Methods(http.MethodPost)
	r.HandleFunc("/threads/{thread_id}/runs/join", s.withAuth("threads.read", s.joinRun)).Methods(http.MethodGet)
	r.HandleFunc("/threads/{thread_id}/state", s.withAuth("threads.read", s.getState)).Methods(http.MethodGet)
	r.HandleFunc("/threads/{thread_id}/history", s.withAuth("threads.read", s.getHistory)).Methods(http.MethodGet)

	r.HandleFunc("/store/{namespace}/{key}", s.withAuth("store.put", s.putKV)).Methods(http.MethodPut)
	r.HandleFunc("/store/{namespace}/{key}", s.withAuth("store.get", s.getKV)).Methods(http.MethodGet)
	r.HandleFunc("/store/{namespace}/{key}", s.withAuth("store.delete", s.deleteKV)).Methods(http.MethodDelete)
	r.HandleFunc("/store/{namespace}", s.withAuth("store.search", s.searchKV)).Methods(http.MethodGet)
	r.HandleFunc("/store", s.withAuth("store.list_namespaces", s.listNamespaces)).Methods(http.MethodGet)
}

// withAuth wraps h with the Config's Authenticate/Authorize hooks per
// spec §6.6: unauthenticated requests get 401, rejected actions get 403.
func (s *Server) withAuth(action string, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		identity, err := s.cfg.Authenticate(r.Context(), r)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "unauthenticated", err)
			return
		}
		decision, err := s.cfg.Authorize(r.Context(), identity, action)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "INTERNAL", err)
			return
		}
		if !decision.Allowed {
			writeError(w, http.StatusForbidden, "FORBIDDEN", errors.New("action not permitted"))
			return
		}
		h(w, r)
	}
}

func (s *Server) createRun(w http.ResponseWriter, r *http.Request) {
	threadID := mux.Vars(r)["thread_id"]
	var body struct {
		Input map[string]any `json:"input"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_GRAPH", err)
		return
	}
	result, err := s.cfg.Runner.Invoke(r.Context(), threadID, body.Input)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) streamRun(w http.ResponseWriter, r *http.Request) {
	threadID := mux.Vars(r)["thread_id"]
	var body struct {
		Input      map[string]any `json:"input"`
		StreamMode []string       `json:"stream_mode"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_GRAPH", err)
		return
	}
	parts, err := s.cfg.Runner.Stream(r.Context(), threadID, body.Input, body.StreamMode)
	if err != nil {
		writeEngineError(w, err)
		return
	}

	flusher, _ := w.(http.Flusher)
	w.Header().Set("Content-Type", "application/x-ndjson")
	enc := json.NewEncoder(w)
	for part := range parts {
		if err := enc.Encode(part); err != nil {
			return
		}
		if flusher != nil {
			flusher.Flush()
		}
	}
}

func (s *Server) cancelRun(w http.ResponseWriter, r *http.Request) {
	threadID := mux.Vars(r)["thread_id"]
	if err := s.cfg.Runner.Cancel(threadID); err != nil {
		writeEngineError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) joinRun(w http.ResponseWriter, r *http.Request) {
	threadID := mux.Vars(r)["thread_id"]
	result, err := s.cfg.Runner.Join(r.Context(), threadID)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) getState(w http.ResponseWriter, r *http.Request) {
	threadID := mux.Vars(r)["thread_id"]
	checkpointID := r.URL.Query().Get("checkpoint_id")
	tuple, err := s.cfg.Saver.GetTuple(r.Context(), threadID, "", checkpointID)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tuple)
}

func (s *Server) getHistory(w http.ResponseWriter, r *http.Request) {
	threadID := mux.Vars(r)["thread_id"]
	tuples, err := s.cfg.Saver.List(r.Context(), threadID, "", checkpointer.ListFilter{Before: r.URL.Query().Get("before")})
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tuples)
}

func (s *Server) putKV(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	var body struct {
		Value json.RawMessage `json:"value"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_GRAPH", err)
		return
	}
	if err := s.cfg.Store.Put(r.Context(), vars["namespace"], vars["key"], body.Value); err != nil {
		writeEngineError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) getKV(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	value, err := s.cfg.Store.Get(r.Context(), vars["namespace"], vars["key"])
	if err != nil {
		writeEngineError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	_, _ = w.Write(value)
}

func (s *Server) deleteKV(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	if err := s.cfg.Store.Delete(r.Context(), vars["namespace"], vars["key"]); err != nil {
		writeEngineError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) searchKV(w http.ResponseWriter, r *http.Request) {
	namespace := mux.Vars(r)["namespace"]
	prefix := r.URL.Query().Get("prefix")
	limit := 0
	entries, err := s.cfg.Store.Search(r.Context(), namespace, prefix, limit)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) listNamespaces(w http.ResponseWriter, r *http.Request) {
	names, err := s.cfg.Store.ListNamespaces(r.Context())
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, names)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, kind string, err error) {
	writeJSON(w, status, map[string]any{"kind": kind, "error": err.Error()})
}

// writeEngineError maps a pregel.Error's Kind to the HTTP status spec §7's
// closing paragraph calls for: 400 for invalid input, 404 for missing
// entities, 409 for busy-thread conflicts, 500 for backend failures.
func writeEngineError(w http.ResponseWriter, err error) {
	var gi *pregel.GraphInterrupt
	if errors.As(err, &gi) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "interrupted", "node_id": gi.NodeID, "value": gi.Value})
		return
	}
	var pe *pregel.Error
	if !errors.As(err, &pe) {
		writeError(w, http.StatusInternalServerError, "INTERNAL", err)
		return
	}
	status := http.StatusInternalServerError
	switch pe.Kind {
	case pregel.KindInvalidGraph, pregel.KindInvalidUpdate, pregel.KindInvalidResume:
		status = http.StatusBadRequest
	case pregel.KindNotFound:
		status = http.StatusNotFound
	case pregel.KindThreadBusy, pregel.KindConflict:
		status = http.StatusConflict
	case pregel.KindCancelled, pregel.KindTimeout:
		status = http.StatusGatewayTimeout
	case pregel.KindGraphRecursion, pregel.KindTaskError, pregel.KindStorageUnavailable,
		pregel.KindSerialization, pregel.KindShallowUnsupported, pregel.KindEmptyChannel:
		status = http.StatusInternalServerError
	}
	writeError(w, status, string(pe.Kind), pe)
}
