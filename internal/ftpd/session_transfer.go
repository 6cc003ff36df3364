package ftpd

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/gonzalop/pairxfer/internal/ratelimit"
)

func (s *session) handleRETR(arg string) {
	target := s.path(arg)
	offset := s.restartOffset
	s.restartOffset = 0

	file, err := s.server.root.OpenFile(target, os.O_RDONLY, 0)
	if err != nil {
		s.replyError(err)
		return
	}
	defer file.Close()

	if info, err := file.Stat(); err == nil && info.IsDir() {
		s.reply(550, "Is a directory.")
		return
	}
	if offset > 0 {
		if _, err := file.Seek(offset, io.SeekStart); err != nil {
			s.replyError(err)
			return
		}
	}

	conn, err := s.connData()
	if err != nil {
		s.reply(425, "Can't open data connection.")
		return
	}
	defer conn.Close()

	if offset > 0 {
		s.reply(150, fmt.Sprintf("Opening data connection for RETR (restarting at %d).", offset))
	} else {
		s.reply(150, "Opening data connection for RETR.")
	}

	start := time.Now()
	n, err := io.Copy(conn, ratelimit.NewReader(s.ctx, file, s.server.limiter))
	if err != nil {
		s.reply(426, "Connection closed; transfer aborted.")
		return
	}
	s.transferComplete("RETR", "download", target, n, time.Since(start))
	s.reply(226, "Transfer complete.")
}

func (s *session) handleSTOR(arg string) {
	flags := os.O_WRONLY | os.O_CREATE | os.O_TRUNC
	if s.restartOffset > 0 {
		flags = os.O_WRONLY | os.O_CREATE
	}
	s.store("STOR", arg, flags)
}

func (s *session) handleAPPE(arg string) {
	s.restartOffset = 0
	s.store("APPE", arg, os.O_WRONLY|os.O_CREATE|os.O_APPEND)
}

func (s *session) store(op, arg string, flags int) {
	offset := s.restartOffset
	s.restartOffset = 0
	if s.denyWrite() {
		return
	}
	target := s.path(arg)

	file, err := s.server.root.OpenFile(target, flags, 0o644)
	if err != nil {
		s.replyError(err)
		return
	}
	defer file.Close()

	if offset > 0 {
		if _, err := file.Seek(offset, io.SeekStart); err != nil {
			s.replyError(err)
			return
		}
	}

	conn, err := s.connData()
	if err != nil {
		s.reply(425, "Can't open data connection.")
		return
	}
	defer conn.Close()

	s.reply(150, "Opening data connection for "+op+".")

	start := time.Now()
	n, err := io.Copy(ratelimit.NewWriter(s.ctx, file, s.server.limiter), conn)
	if err != nil {
		s.server.logger.Warn("transfer_aborted",
			"session_id", s.sessionID,
			"operation", op,
			"path", target,
			"bytes", n,
			"error", err,
		)
		s.reply(426, "Connection closed; transfer aborted.")
		return
	}
	s.transferComplete(op, "upload", target, n, time.Since(start))
	s.reply(226, "Transfer complete.")
}

func (s *session) transferComplete(op, direction, target string, n int64, duration time.Duration) {
	throughputMBps := float64(0)
	if duration.Seconds() > 0 {
		throughputMBps = float64(n) / duration.Seconds() / 1024 / 1024
	}

	s.server.logger.Info("transfer_complete",
		"protocol", "ftp",
		"session_id", s.sessionID,
		"remote_ip", s.remoteIP,
		"user", s.user,
		"operation", op,
		"path", target,
		"bytes", n,
		"duration_ms", duration.Milliseconds(),
		"throughput_mbps", fmt.Sprintf("%.2f", throughputMBps),
	)

	if s.server.metrics != nil {
		s.server.metrics.RecordTransfer("ftp", direction, n, duration)
	}
}

func (s *session) handleREST(arg string) {
	offset, err := strconv.ParseInt(strings.TrimSpace(arg), 10, 64)
	if err != nil || offset < 0 {
		s.reply(501, "Invalid restart offset.")
		return
	}
	s.restartOffset = offset
	s.reply(350, fmt.Sprintf("Restarting at %d. Send STOR or RETR to initiate transfer.", offset))
}

// handleTYPE accepts image and ASCII types. Data is always sent as-is.
func (s *session) handleTYPE(arg string) {
	switch strings.ToUpper(strings.TrimSpace(arg)) {
	case "I", "L 8":
		s.transferType = "I"
		s.reply(200, "Switching to Binary mode.")
	case "A", "A N":
		s.transferType = "A"
		s.reply(200, "Switching to ASCII mode.")
	default:
		s.reply(504, "Type not supported.")
	}
}

func (s *session) handleMODE(arg string) {
	if strings.EqualFold(strings.TrimSpace(arg), "S") {
		s.reply(200, "Mode set to S.")
		return
	}
	s.reply(504, "Only stream mode is supported.")
}

func (s *session) handleSTRU(arg string) {
	if strings.EqualFold(strings.TrimSpace(arg), "F") {
		s.reply(200, "Structure set to F.")
		return
	}
	s.reply(504, "Only file structure is supported.")
}
