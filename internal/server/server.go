// Package server accepts client sockets and hands each one to a protocol
// frontend connection with its own compiler and SQL backend pair.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/errgroup"

	"github.com/quilldata/quill/internal/api"
	"github.com/quilldata/quill/internal/backend"
	"github.com/quilldata/quill/internal/compiler"
	"github.com/quilldata/quill/internal/dbview"
	"github.com/quilldata/quill/internal/frontend"
	"github.com/quilldata/quill/pkg/logger"
)

var ErrServerClosed = errors.New("server closed")

const apiStopTimeout = 5 * time.Second

// Config holds server configuration.
type Config struct {
	// ListenAddr accepts protocol clients.
	ListenAddr string

	// APIAddr serves the HTTP status endpoint; empty disables it.
	APIAddr string

	// BackendDSN locates the SQL backend.
	BackendDSN string

	// CompilerAddr locates the compiler process socket.
	CompilerAddr string

	// SchemaVersion is the database schema version handed to new views.
	SchemaVersion int64

	MaxConnections    int
	QueryCacheEnabled bool
	CacheSize         int
	DevMode           bool

	// AuthTable maps users to passwords; empty means trust mode.
	AuthTable map[string]string
}

// DefaultConfig returns a runnable configuration.
func DefaultConfig() *Config {
	return &Config{
		ListenAddr:        ":5656",
		MaxConnections:    100,
		QueryCacheEnabled: true,
		CacheSize:         dbview.DefaultCacheSize,
	}
}

// Server owns the listener and the set of live connections.
type Server struct {
	config   *Config
	listener net.Listener

	nextConnID atomic.Uint32
	connCount  atomic.Int64

	ctx    context.Context
	cancel context.CancelFunc
	group  *errgroup.Group

	mu     sync.Mutex
	closed bool

	api *api.Server
	log *log.Logger
}

// New creates a server from config.
func New(cfg *Config) *Server {
	return &Server{
		config: cfg,
		log:    logger.With("component", "server"),
	}
}

// Start begins accepting connections.
func (s *Server) Start(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.config.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.config.ListenAddr, err)
	}
	s.listener = listener

	s.ctx, s.cancel = context.WithCancel(ctx)
	s.group, s.ctx = errgroup.WithContext(s.ctx)
	s.group.Go(s.acceptLoop)

	if s.config.APIAddr != "" {
		s.api = api.New(&api.Config{ListenAddr: s.config.APIAddr}, s)
		if err := s.api.Start(); err != nil {
			_ = s.Stop()
			return fmt.Errorf("start api: %w", err)
		}
	}

	s.log.Info("listening", "addr", listener.Addr().String())
	return nil
}

// Stop closes the listener and waits for live connections to finish.
// Connection contexts are canceled, which aborts their transports.
func (s *Server) Stop() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	if s.listener != nil {
		_ = s.listener.Close()
	}
	if s.api != nil {
		ctx, cancel := context.WithTimeout(context.Background(), apiStopTimeout)
		_ = s.api.Stop(ctx)
		cancel()
	}
	err := s.group.Wait()
	if errors.Is(err, ErrServerClosed) || errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Addr returns the listen address.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// ConnectionCount returns the number of live client connections.
func (s *Server) ConnectionCount() int64 {
	return s.connCount.Load()
}

func (s *Server) acceptLoop() error {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.ctx.Done():
				return ErrServerClosed
			default:
				s.log.Error("accept failed", "err", err)
				continue
			}
		}

		if s.config.MaxConnections > 0 && s.connCount.Load() >= int64(s.config.MaxConnections) {
			s.log.Warn("connection limit reached, rejecting client",
				"remote", conn.RemoteAddr())
			_ = conn.Close()
			continue
		}

		s.group.Go(func() error {
			s.handleConnection(conn)
			return nil
		})
	}
}

func (s *Server) handleConnection(nc net.Conn) {
	id := s.nextConnID.Add(1)
	s.connCount.Add(1)
	defer s.connCount.Add(-1)

	lg := logger.With("component", "frontend")
	conn := frontend.New(nc, frontend.Config{
		ID:                id,
		QueryCacheEnabled: s.config.QueryCacheEnabled,
		CacheSize:         s.config.CacheSize,
		DevMode:           s.config.DevMode,
		AuthTable:         s.config.AuthTable,
		NewBackend:        s.newBackend,
		Logger:            lg,
	})

	if err := conn.Serve(s.ctx); err != nil && !errors.Is(err, context.Canceled) {
		lg.Debug("connection ended", "conn", id, "err", err)
	}
}

// newBackend opens the compiler and SQL halves for an authenticated
// session. Either both succeed or neither is left open.
func (s *Server) newBackend(ctx context.Context, database, user string) (*frontend.Backend, int64, error) {
	comp, err := compiler.Dial(ctx, s.config.CompilerAddr)
	if err != nil {
		return nil, 0, err
	}

	pg, err := backend.Connect(ctx, s.config.BackendDSN, database)
	if err != nil {
		_ = comp.Close()
		return nil, 0, err
	}

	_ = user
	return &frontend.Backend{Compiler: comp, PG: pg}, s.config.SchemaVersion, nil
}
