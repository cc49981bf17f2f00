package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync/atomic"
	"time"
)

// Metrics tracks server runtime statistics.
// All counters use atomic operations for lock-free concurrent access.
type Metrics struct {
	startTime time.Time

	// Connection counters
	TotalConnections  atomic.Int64 // lifetime chat connections accepted
	ActiveConnections atomic.Int64 // current open chat connections
	FailedAuths       atomic.Int64 // rejected login/register attempts
	SuccessfulAuths   atomic.Int64 // sessions established
	TotalDisconnects  atomic.Int64 // chat connections closed (clean + unclean)
	Panics            atomic.Int64 // recovered handler panics

	// Chat counters
	BroadcastMessages atomic.Int64 // public messages delivered
	PrivateMessages   atomic.Int64 // private messages delivered
	InlineFiles       atomic.Int64 // /file payloads relayed on the chat connection
	DroppedLines      atomic.Int64 // lines dropped on full or closed session queues

	// File relay counters
	RelayConnections atomic.Int64 // relay connections accepted
	RelayRejected    atomic.Int64 // bad headers, invalid transfers, short payloads
	FilesReceived    atomic.Int64 // files stored
	FileBytesIn      atomic.Int64 // payload bytes stored
}

// NewMetrics creates a new Metrics instance with the start time set to now.
func NewMetrics() *Metrics {
	return &Metrics{
		startTime: time.Now(),
	}
}

// MetricsSnapshot is a point-in-time view of all metrics as a serializable struct.
type MetricsSnapshot struct {
	Uptime        string `json:"uptime"`
	UptimeSeconds int64  `json:"uptime_seconds"`

	ActiveConnections int64 `json:"active_connections"`
	TotalConnections  int64 `json:"total_connections"`
	SuccessfulAuths   int64 `json:"successful_auths"`
	FailedAuths       int64 `json:"failed_auths"`
	TotalDisconnects  int64 `json:"total_disconnects"`
	Panics            int64 `json:"panics"`

	BroadcastMessages int64 `json:"broadcast_messages"`
	PrivateMessages   int64 `json:"private_messages"`
	InlineFiles       int64 `json:"inline_files"`
	DroppedLines      int64 `json:"dropped_lines"`

	RelayConnections int64 `json:"relay_connections"`
	RelayRejected    int64 `json:"relay_rejected"`
	FilesReceived    int64 `json:"files_received"`
	FileBytesIn      int64 `json:"file_bytes_in"`
}

// Snapshot returns a read-consistent snapshot of all metrics.
func (m *Metrics) Snapshot() MetricsSnapshot {
	uptime := time.Since(m.startTime)
	return MetricsSnapshot{
		Uptime:            uptime.Truncate(time.Second).String(),
		UptimeSeconds:     int64(uptime.Seconds()),
		ActiveConnections: m.ActiveConnections.Load(),
		TotalConnections:  m.TotalConnections.Load(),
		SuccessfulAuths:   m.SuccessfulAuths.Load(),
		FailedAuths:       m.FailedAuths.Load(),
		TotalDisconnects:  m.TotalDisconnects.Load(),
		Panics:            m.Panics.Load(),
		BroadcastMessages: m.BroadcastMessages.Load(),
		PrivateMessages:   m.PrivateMessages.Load(),
		InlineFiles:       m.InlineFiles.Load(),
		DroppedLines:      m.DroppedLines.Load(),
		RelayConnections:  m.RelayConnections.Load(),
		RelayRejected:     m.RelayRejected.Load(),
		FilesReceived:     m.FilesReceived.Load(),
		FileBytesIn:       m.FileBytesIn.Load(),
	}
}

// JSON returns the metrics snapshot as a JSON string.
func (m *Metrics) JSON() string {
	data, err := json.MarshalIndent(m.Snapshot(), "", "  ")
	if err != nil {
		return "{}"
	}
	return string(data)
}

// LogSummary writes a metrics summary to the logger.
func (m *Metrics) LogSummary() {
	s := m.Snapshot()
	slog.Info("metrics",
		"uptime", s.Uptime,
		"connections", s.ActiveConnections,
		"total_connections", s.TotalConnections,
		"broadcasts", s.BroadcastMessages,
		"privates", s.PrivateMessages,
		"files", s.FilesReceived,
		"dropped_lines", s.DroppedLines,
	)
}

// RunPeriodicLog logs a summary every interval until ctx is cancelled.
func (m *Metrics) RunPeriodicLog(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.LogSummary()
		}
	}
}
