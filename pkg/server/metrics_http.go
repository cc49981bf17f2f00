package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/NicolasHaas/linechat/pkg/filestore"
)

// SessionInfo is the JSON form of one live session on /sessions.
type SessionInfo struct {
	User     string    `json:"user"`
	ID       string    `json:"id"`
	Remote   string    `json:"remote"`
	JoinedAt time.Time `json:"joined_at"`
	Dropped  int64     `json:"dropped_lines"`
}

// OpsHandler returns the ops HTTP routes:
//
//	GET /metrics        Prometheus text exposition
//	GET /healthz        liveness
//	GET /sessions       online sessions as JSON
//	GET /files/{name}   a file stored by the relay
func (s *Server) OpsHandler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/metrics", s.handleMetrics).Methods(http.MethodGet)
	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	}).Methods(http.MethodGet)
	r.HandleFunc("/sessions", s.handleSessions).Methods(http.MethodGet)
	r.HandleFunc("/files/{name}", s.handleFile).Methods(http.MethodGet, http.MethodHead)
	return r
}

// serveOps runs the ops HTTP server until ctx is cancelled. It returns
// immediately when no address is configured.
func (s *Server) serveOps(ctx context.Context) error {
	addr := s.cfg.MetricsAddr
	if addr == "" {
		return nil // ops endpoint disabled
	}

	srv := &http.Server{
		Addr:              addr,
		Handler:           s.OpsHandler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	slog.Info("ops HTTP listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server: ops http: %w", err)
	}
	return nil
}

// handleMetrics writes all metrics in Prometheus text exposition format.
func (s *Server) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	m := s.metrics
	uptime := time.Since(m.startTime).Seconds()

	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")

	// Write errors to http.ResponseWriter are non-actionable.
	write := func(name, help, mtype string, value int64) {
		_, _ = fmt.Fprintf(w, "# HELP %s %s\n", name, help)
		_, _ = fmt.Fprintf(w, "# TYPE %s %s\n", name, mtype)
		_, _ = fmt.Fprintf(w, "%s %d\n", name, value)
	}

	_, _ = fmt.Fprintf(w, "# HELP linechat_uptime_seconds Server uptime in seconds.\n")
	_, _ = fmt.Fprintf(w, "# TYPE linechat_uptime_seconds gauge\n")
	_, _ = fmt.Fprintf(w, "linechat_uptime_seconds %f\n", uptime)

	write("linechat_sessions_online", "Sessions currently in the registry.", "gauge",
		int64(s.registry.Count()))
	write("linechat_connections_active", "Current open chat connections.", "gauge",
		m.ActiveConnections.Load())
	write("linechat_connections_total", "Lifetime chat connections accepted.", "counter",
		m.TotalConnections.Load())
	write("linechat_disconnects_total", "Chat connections closed.", "counter",
		m.TotalDisconnects.Load())
	write("linechat_panics_total", "Recovered connection handler panics.", "counter",
		m.Panics.Load())

	write("linechat_auth_success_total", "Sessions established.", "counter",
		m.SuccessfulAuths.Load())
	write("linechat_auth_failed_total", "Rejected login and register attempts.", "counter",
		m.FailedAuths.Load())

	write("linechat_broadcast_messages_total", "Public messages delivered.", "counter",
		m.BroadcastMessages.Load())
	write("linechat_private_messages_total", "Private messages delivered.", "counter",
		m.PrivateMessages.Load())
	write("linechat_inline_files_total", "Inline files relayed on the chat connection.", "counter",
		m.InlineFiles.Load())
	write("linechat_dropped_lines_total", "Lines dropped on full session queues.", "counter",
		m.DroppedLines.Load())

	write("linechat_relay_connections_total", "File relay connections accepted.", "counter",
		m.RelayConnections.Load())
	write("linechat_relay_rejected_total", "File transfers rejected or incomplete.", "counter",
		m.RelayRejected.Load())
	write("linechat_files_received_total", "Files stored by the relay.", "counter",
		m.FilesReceived.Load())
	write("linechat_file_bytes_total", "Payload bytes stored by the relay.", "counter",
		m.FileBytesIn.Load())
}

func (s *Server) handleSessions(w http.ResponseWriter, _ *http.Request) {
	all := s.registry.All()
	infos := make([]SessionInfo, 0, len(all))
	for _, sess := range all {
		infos = append(infos, SessionInfo{
			User:     sess.User,
			ID:       sess.ID,
			Remote:   sess.Remote,
			JoinedAt: sess.JoinedAt,
			Dropped:  sess.Dropped(),
		})
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(infos); err != nil {
		slog.Debug("encode sessions", "err", err)
	}
}

func (s *Server) handleFile(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	f, err := s.files.Open(name)
	switch {
	case errors.Is(err, filestore.ErrBadName):
		http.Error(w, "bad file name", http.StatusBadRequest)
		return
	case err != nil:
		http.NotFound(w, r)
		return
	}
	defer func() { _ = f.Close() }()

	fi, err := f.Stat()
	if err != nil {
		http.Error(w, "stat failed", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
	http.ServeContent(w, r, name, fi.ModTime(), f)
}
