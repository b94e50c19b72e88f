// Package api is the HTTP status/control surface spec.md §5 describes
// as an external collaborator reading record state concurrently. It
// is grounded on omnicloud/internal/api/server.go's mux.Router +
// middleware + http.Server wiring, trimmed to the read/clear/purge
// surface this domain needs (no multi-tenant server registration,
// auth, or release-file hosting).
package api

import (
	"context"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/transferarr/transferarr/internal/state"
)

// Store is the subset of *state.Store the API surface needs.
type Store interface {
	Get(hash string) (state.TorrentRecord, bool)
	All() []state.TorrentRecord
	Mutate(hash string, fn func(rec *state.TorrentRecord) bool) bool
	Delete(hash string)
}

// Server is the HTTP status/control surface.
type Server struct {
	router *mux.Router
	store  Store
	hub    *Hub
	addr   string
	server *http.Server
}

// NewServer wires the router the way omnicloud's NewServer does:
// construct, call setupRoutes, return.
func NewServer(addr string, store Store, hub *Hub) *Server {
	s := &Server{
		router: mux.NewRouter(),
		store:  store,
		hub:    hub,
		addr:   addr,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api/v1").Subrouter()
	api.Use(s.loggingMiddleware)
	api.Use(s.corsMiddleware)

	api.HandleFunc("/health", s.handleHealth).Methods("GET")
	api.HandleFunc("/torrents", s.handleListTorrents).Methods("GET")
	api.HandleFunc("/torrents/{hash}", s.handleGetTorrent).Methods("GET")
	api.HandleFunc("/torrents/{hash}/clear-error", s.handleClearError).Methods("POST")
	api.HandleFunc("/torrents/{hash}", s.handlePurgeTorrent).Methods("DELETE")
	api.HandleFunc("/events", s.handleEvents).Methods("GET")

	log.Println("api: routes configured")
}

// Start blocks serving HTTP until Shutdown is called, mirroring
// omnicloud's Server.Start/Shutdown pair.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:         s.addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	log.Printf("api: listening on %s", s.addr)
	err := s.server.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	log.Println("api: shutting down")
	return s.server.Shutdown(ctx)
}
