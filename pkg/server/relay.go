package server

import (
	"bufio"
	"log/slog"
	"net"
	"runtime/debug"

	"github.com/NicolasHaas/linechat/pkg/protocol"
)

// handleRelayConn receives one file on the relay listener: a header, then
// exactly the declared number of payload bytes. Nothing is announced unless
// the whole payload arrived.
func (s *Server) handleRelayConn(conn net.Conn) {
	defer func() { _ = conn.Close() }()

	log := slog.With("remote", conn.RemoteAddr().String(), "plane", "relay")
	defer func() {
		if r := recover(); r != nil {
			s.metrics.Panics.Add(1)
			log.Error("relay handler panic", "panic", r, "stack", string(debug.Stack()))
		}
	}()
	s.metrics.RelayConnections.Add(1)

	br := bufio.NewReader(conn)
	ft, err := protocol.ReadFileHeader(br)
	if err != nil {
		s.metrics.RelayRejected.Add(1)
		log.Warn("bad file header", "err", err)
		return
	}
	log = log.With("sender", ft.Sender, "recipient", ft.Recipient, "file", ft.FileName, "size", ft.Size)

	if err := ft.Validate(s.cfg.MaxFileBytes); err != nil {
		s.metrics.RelayRejected.Add(1)
		log.Warn("file transfer rejected", "err", err)
		return
	}

	stored, err := s.files.Save(ft.BaseName(), ft.Size, br)
	if err != nil {
		s.metrics.RelayRejected.Add(1)
		log.Warn("file transfer incomplete", "err", err)
		return
	}
	s.metrics.FilesReceived.Add(1)
	s.metrics.FileBytesIn.Add(stored.Size)
	log.Info("file received", "stored_as", stored.Name)

	if err := s.router.FileArrived(ft, stored); err != nil {
		log.Info("file notification not delivered", "err", err)
	}
}
