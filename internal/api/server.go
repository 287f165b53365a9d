// Package api provides the HTTP query API and the WebSocket event stream.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"displayconfig/display"
	"displayconfig/internal/config"
	"displayconfig/tracker"

	"github.com/rs/zerolog"
)

// Source is what the API reads displays from. *observer.Observer implements it.
type Source interface {
	Displays() display.Set
	Query(id display.Identity) (display.Snapshot, error)
	LastKnown(id display.Identity) (display.Snapshot, bool)
	PreviousSize(id display.Identity) (display.Size, bool)
	Stats() tracker.Stats
}

// Server provides the HTTP API
type Server struct {
	configMgr *config.Manager
	source    Source
	name      string
	wsMgr     *WSManager
	log       zerolog.Logger
}

// NewServer creates a new API server
func NewServer(configMgr *config.Manager, source Source, log zerolog.Logger) *Server {
	name, err := os.Hostname()
	if err != nil {
		name = "displaywatch"
	}
	s := &Server{
		configMgr: configMgr,
		source:    source,
		name:      name,
		log:       log.With().Str("component", "api").Logger(),
	}
	s.wsMgr = newWSManager(s)
	return s
}

// Name is reported as the origin of broadcast events
func (s *Server) Name() string {
	return s.name
}

// Handler returns the routed, authenticated handler
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/status", s.handleStatus)
	mux.HandleFunc("/api/displays", s.handleDisplays)
	mux.HandleFunc("/api/displays/{id}", s.handleDisplay)
	mux.HandleFunc("/api/config", s.handleConfig)
	mux.HandleFunc("/ws", s.wsMgr.handleWebSocket)
	mux.HandleFunc("/health", s.handleHealth)
	return s.authMiddleware(s.recoverMiddleware(mux))
}

// Start listens on the port and serves until ctx is done
func (s *Server) Start(ctx context.Context, port int) error {
	// tcp4 avoids IPv6-only binding on Windows
	addr := fmt.Sprintf("0.0.0.0:%d", port)
	ln, err := net.Listen("tcp4", addr)
	if err != nil {
		return fmt.Errorf("api listen %s: %w", addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is done
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	go s.wsMgr.run(ctx)

	server := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	s.log.Info().Str("addr", ln.Addr().String()).Msg("API server listening")
	if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// BroadcastEvent sends one dispatched event to every stream client. It is
// meant to be called from the observer callback and never blocks it.
func (s *Server) BroadcastEvent(ev display.MayBeDisplayAvailable) {
	payload := NewEventPayload(ev, s.name, s.configMgr)
	s.wsMgr.broadcastPayload(payload)
}

// recoverMiddleware prevents panics from crashing the whole server
func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				s.log.Error().Interface("panic", err).Str("path", r.URL.Path).Msg("recovered handler panic")
				http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// authMiddleware checks API token if configured
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.log.Debug().Str("method", r.Method).Str("path", r.URL.Path).Str("remote", r.RemoteAddr).Msg("request")

		if r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}

		if token := s.configMgr.Get().General.APIToken; token != "" {
			if r.Header.Get("Authorization") != "Bearer "+token {
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}
		}

		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// handleStatus handles GET /api/status
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	writeJSON(w, http.StatusOK, StatusResponse{
		Name:     s.name,
		Displays: s.source.Displays().Len(),
		Clients:  s.wsMgr.clientCount(),
		Stats:    s.source.Stats(),
	})
}

// handleDisplays handles GET /api/displays with the observer's cached set
func (s *Server) handleDisplays(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	set := s.source.Displays()
	out := make([]DisplayResponse, 0, set.Len())
	for _, snap := range set.Snapshots() {
		out = append(out, s.describe(snap))
	}
	writeJSON(w, http.StatusOK, out)
}

// handleDisplay handles GET /api/displays/{id}, reading through the adapter.
// A display that is gone answers 404 with its last known snapshot.
func (s *Server) handleDisplay(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	id := display.Identity(r.PathValue("id"))
	snap, err := s.source.Query(id)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, s.describe(snap))
	case errors.Is(err, display.ErrNotFound):
		resp := NotFoundResponse{Error: err.Error(), ID: id}
		if last, ok := s.source.LastKnown(id); ok {
			resp.LastKnown = &last
		}
		writeJSON(w, http.StatusNotFound, resp)
	default:
		s.log.Warn().Err(err).Str("id", string(id)).Msg("display query failed")
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func (s *Server) describe(snap display.Snapshot) DisplayResponse {
	resp := DisplayResponse{Snapshot: snap, Label: s.configMgr.Label(snap.ID)}
	if prev, ok := s.source.PreviousSize(snap.ID); ok {
		resp.PreviousSize = &prev
	}
	return resp
}

// handleConfig handles GET (read) and POST (update) for configuration
func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, s.configMgr.Get())

	case http.MethodPost:
		var newCfg config.Config
		if err := json.NewDecoder(r.Body).Decode(&newCfg); err != nil {
			http.Error(w, "Invalid configuration data", http.StatusBadRequest)
			return
		}

		s.log.Info().Str("remote", r.RemoteAddr).Msg("receiving configuration update")

		s.configMgr.Set(newCfg)
		if err := s.configMgr.Save(); err != nil {
			s.log.Error().Err(err).Msg("failed to save received config")
			http.Error(w, "Failed to save configuration", http.StatusInternalServerError)
			return
		}

		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})

	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleHealth handles GET /health (for monitoring)
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
