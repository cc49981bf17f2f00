package server

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"
)

// Run binds the listeners and serves until SIGINT or SIGTERM.
func (s *Server) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := s.Listen(); err != nil {
		return err
	}
	slog.Info("linechat server running",
		"chat", s.cfg.ChatAddr,
		"relay", s.cfg.RelayAddr,
		"ops", s.cfg.MetricsAddr,
		"users", s.store.Count(),
	)
	return s.Serve(ctx)
}

// Serve runs the accept loops, the ops endpoint and the periodic metrics log
// until ctx is cancelled. Listen must have been called. On return every
// listener and connection is closed and all handlers have finished.
func (s *Server) Serve(ctx context.Context) error {
	s.mu.Lock()
	chatLn, relayLn := s.chatLn, s.relayLn
	s.mu.Unlock()
	if chatLn == nil || relayLn == nil {
		return fmt.Errorf("server: serve called before listen")
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return s.acceptLoop(gctx, chatLn, "chat", s.handleChatConn)
	})
	g.Go(func() error {
		return s.acceptLoop(gctx, relayLn, "relay", s.handleRelayConn)
	})
	g.Go(func() error {
		return s.serveOps(gctx)
	})
	g.Go(func() error {
		s.metrics.RunPeriodicLog(gctx, s.cfg.MetricsLogInterval)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down...")
		s.closeAll()
		return nil
	})

	err := g.Wait()
	s.wg.Wait()
	s.metrics.LogSummary()
	return err
}
