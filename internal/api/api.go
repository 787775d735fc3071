// Package api exposes a small HTTP status surface next to the protocol
// listener, for health checks and operational introspection.
package api

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"time"

	"github.com/quilldata/quill/pkg/logger"
)

// Stats is the view of the protocol server the API reports on.
type Stats interface {
	ConnectionCount() int64
	Addr() net.Addr
}

// Config holds API server configuration.
type Config struct {
	ListenAddr string
}

// Server is the HTTP status server.
type Server struct {
	stats  Stats
	server *http.Server
	addr   string
}

// New creates the status server.
func New(cfg *Config, stats Stats) *Server {
	s := &Server{
		stats: stats,
		addr:  cfg.ListenAddr,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /status", s.handleStatus)

	s.server = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return s
}

// Start begins serving in the background.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	s.addr = listener.Addr().String()

	go func() {
		if err := s.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			logger.Error("status api failed", "err", err)
		}
	}()
	return nil
}

// Stop shuts the server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// Addr returns the bound listen address.
func (s *Server) Addr() string {
	return s.addr
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	listen := ""
	if addr := s.stats.Addr(); addr != nil {
		listen = addr.String()
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"listen_addr": listen,
		"connections": s.stats.ConnectionCount(),
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Error("encoding response failed", "err", err)
	}
}
