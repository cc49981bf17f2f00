// Package server implements the linechat server: the line protocol listener,
// the session registry and router, the file relay and the ops HTTP endpoint.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/NicolasHaas/linechat/pkg/filestore"
	"github.com/NicolasHaas/linechat/pkg/store"
	"github.com/NicolasHaas/linechat/pkg/transcript"
)

// Config holds server configuration.
type Config struct {
	ChatAddr    string `yaml:"chat_addr"`    // TCP bind address of the line protocol (e.g. ":12345")
	RelayAddr   string `yaml:"relay_addr"`   // TCP bind address of the file relay (e.g. ":12346")
	MetricsAddr string `yaml:"metrics_addr"` // HTTP bind address for ops endpoints (empty = disabled)

	CredentialsFile string `yaml:"credentials_file"` // name:secret file
	TranscriptDir   string `yaml:"transcript_dir"`   // directory for public and pair logs
	TranscriptSync  bool   `yaml:"transcript_sync"`  // fsync every transcript append
	FilesDir        string `yaml:"files_dir"`        // directory for relayed files

	MaxLineBytes       int   `yaml:"max_line_bytes"`        // longest accepted input line
	MaxInlineFileBytes int   `yaml:"max_inline_file_bytes"` // decoded size limit of /file payloads
	MaxFileBytes       int64 `yaml:"max_file_bytes"`        // declared size limit on the relay
	SendQueueSize      int   `yaml:"send_queue_size"`       // outbound lines buffered per session

	MetricsLogInterval time.Duration `yaml:"metrics_log_interval"` // 0 = no periodic summary
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		ChatAddr:           ":12345",
		RelayAddr:          ":12346",
		MetricsAddr:        ":12347",
		CredentialsFile:    "users.txt",
		TranscriptDir:      ".",
		FilesDir:           "received_files",
		MaxLineBytes:       1 << 20,
		MaxInlineFileBytes: 512 << 10,
		MaxFileBytes:       64 << 20,
		SendQueueSize:      256,
		MetricsLogInterval: 60 * time.Second,
	}
}

// Dependencies holds the storage collaborators of the server. Any nil field is
// opened from Config by NewFromConfig.
type Dependencies struct {
	Store       *store.Store
	Transcripts *transcript.Log
	Files       *filestore.Store
	Clock       func() time.Time // wall clock for chat timestamps (default time.Now)
}

// Server is the main linechat server.
type Server struct {
	cfg      Config
	registry *Registry
	router   *Router
	store    *store.Store
	files    *filestore.Store
	metrics  *Metrics

	mu      sync.Mutex
	chatLn  net.Listener
	relayLn net.Listener
	conns   map[net.Conn]struct{}
	closing bool
	wg      sync.WaitGroup
}

// New creates a new Server instance from ready dependencies.
func New(cfg Config, deps Dependencies) *Server {
	if deps.Clock == nil {
		deps.Clock = time.Now
	}
	if cfg.SendQueueSize <= 0 {
		cfg.SendQueueSize = DefaultConfig().SendQueueSize
	}
	if cfg.MaxLineBytes <= 0 {
		cfg.MaxLineBytes = DefaultConfig().MaxLineBytes
	}

	metrics := NewMetrics()
	registry := NewRegistry()
	return &Server{
		cfg:      cfg,
		registry: registry,
		router: &Router{
			registry:       registry,
			logs:           deps.Transcripts,
			users:          deps.Store,
			metrics:        metrics,
			now:            deps.Clock,
			maxInlineBytes: cfg.MaxInlineFileBytes,
		},
		store:   deps.Store,
		files:   deps.Files,
		metrics: metrics,
		conns:   make(map[net.Conn]struct{}),
	}
}

// NewFromConfig opens the credential file, transcript directory and file
// store named in cfg and returns a server using them.
func NewFromConfig(cfg Config) (*Server, error) {
	st, err := store.Open(cfg.CredentialsFile)
	if err != nil {
		return nil, fmt.Errorf("server: %w", err)
	}
	logs, err := transcript.New(cfg.TranscriptDir, cfg.TranscriptSync)
	if err != nil {
		return nil, fmt.Errorf("server: %w", err)
	}
	files, err := filestore.New(cfg.FilesDir)
	if err != nil {
		return nil, fmt.Errorf("server: %w", err)
	}
	return New(cfg, Dependencies{Store: st, Transcripts: logs, Files: files}), nil
}

// Registry returns the session registry.
func (s *Server) Registry() *Registry {
	return s.registry
}

// Router returns the message router.
func (s *Server) Router() *Router {
	return s.router
}

// Metrics returns the server metrics.
func (s *Server) Metrics() *Metrics {
	return s.metrics
}

// Listen binds the chat and relay listeners. Addresses ending in ":0" get an
// ephemeral port; see ChatAddr and RelayAddr.
func (s *Server) Listen() error {
	chatLn, err := net.Listen("tcp", s.cfg.ChatAddr)
	if err != nil {
		return fmt.Errorf("server: listen chat: %w", err)
	}
	relayLn, err := net.Listen("tcp", s.cfg.RelayAddr)
	if err != nil {
		_ = chatLn.Close()
		return fmt.Errorf("server: listen relay: %w", err)
	}

	s.mu.Lock()
	s.chatLn, s.relayLn = chatLn, relayLn
	s.mu.Unlock()

	slog.Info("chat listening", "addr", chatLn.Addr().String())
	slog.Info("file relay listening", "addr", relayLn.Addr().String())
	return nil
}

// ChatAddr returns the bound chat listener address, or nil before Listen.
func (s *Server) ChatAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.chatLn == nil {
		return nil
	}
	return s.chatLn.Addr()
}

// RelayAddr returns the bound relay listener address, or nil before Listen.
func (s *Server) RelayAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.relayLn == nil {
		return nil
	}
	return s.relayLn.Addr()
}

// acceptLoop accepts connections until the listener is closed and runs handle
// for each of them in its own goroutine.
func (s *Server) acceptLoop(ctx context.Context, ln net.Listener, plane string, handle func(net.Conn)) error {
	var backoff time.Duration
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			if backoff == 0 {
				backoff = 5 * time.Millisecond
			} else if backoff *= 2; backoff > time.Second {
				backoff = time.Second
			}
			slog.Error("accept error", "plane", plane, "err", err, "retry_in", backoff)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil
			}
			continue
		}
		backoff = 0

		if !s.trackConn(conn) {
			_ = conn.Close()
			return nil
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.untrackConn(conn)
			handle(conn)
		}()
	}
}

func (s *Server) trackConn(conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return false
	}
	s.conns[conn] = struct{}{}
	return true
}

func (s *Server) untrackConn(conn net.Conn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
}

// closeAll closes both listeners and every open connection. Connection
// goroutines observe the closed sockets and tear their sessions down.
func (s *Server) closeAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closing = true
	if s.chatLn != nil {
		_ = s.chatLn.Close()
	}
	if s.relayLn != nil {
		_ = s.relayLn.Close()
	}
	for conn := range s.conns {
		_ = conn.Close()
	}
}
