package ftpd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/gonzalop/pairxfer/storage"
)

// maxCommandLength is the maximum length of a command line.
const maxCommandLength = 4096

// passiveAcceptTimeout bounds how long a PASV/EPSV listener waits for the
// client's data connection.
const passiveAcceptTimeout = 10 * time.Second

var errCommandTooLong = errors.New("command too long")

// session is one FTP control connection. Commands are handled one at a
// time on the goroutine running serve; transfers block the session until
// they finish.
type session struct {
	server *Server
	conn   net.Conn
	reader *bufio.Reader
	writer *bufio.Writer

	sessionID string
	remoteIP  string

	user          string
	isLoggedIn    bool
	cwd           string
	renameFrom    string
	restartOffset int64
	transferType  string

	pasvList net.Listener

	// ctx is canceled when the session ends, releasing throttled transfers.
	ctx    context.Context
	cancel context.CancelFunc
}

// commandHandlers maps FTP commands to their handlers. USER, PASS, QUIT
// and NOOP are handled in handleCommand; every handler here requires a
// logged-in session.
var commandHandlers = map[string]func(*session, string){
	"CWD":  (*session).handleCWD,
	"XCWD": (*session).handleCWD,
	"CDUP": (*session).handleCDUP,
	"XCUP": (*session).handleCDUP,
	"PWD":  (*session).handlePWD,
	"XPWD": (*session).handlePWD,
	"LIST": (*session).handleLIST,
	"NLST": (*session).handleNLST,
	"MKD":  (*session).handleMKD,
	"XMKD": (*session).handleMKD,
	"RMD":  (*session).handleRMD,
	"XRMD": (*session).handleRMD,
	"DELE": (*session).handleDELE,
	"RNFR": (*session).handleRNFR,
	"RNTO": (*session).handleRNTO,
	"SIZE": (*session).handleSIZE,
	"MDTM": (*session).handleMDTM,

	"RETR": (*session).handleRETR,
	"STOR": (*session).handleSTOR,
	"APPE": (*session).handleAPPE,
	"REST": (*session).handleREST,
	"TYPE": (*session).handleTYPE,
	"MODE": (*session).handleMODE,
	"STRU": (*session).handleSTRU,
	"PASV": (*session).handlePASV,
	"EPSV": (*session).handleEPSV,
}

// preLoginHandlers may run before authentication.
var preLoginHandlers = map[string]func(*session, string){
	"SYST": (*session).handleSYST,
	"FEAT": (*session).handleFEAT,
	"OPTS": (*session).handleOPTS,
}

func newSession(server *Server, conn net.Conn) *session {
	remoteIP, _, err := net.SplitHostPort(conn.RemoteAddr().String())
	if err != nil {
		remoteIP = conn.RemoteAddr().String()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &session{
		ctx:          ctx,
		cancel:       cancel,
		server:       server,
		conn:         conn,
		reader:       bufio.NewReader(conn),
		writer:       bufio.NewWriter(conn),
		sessionID:    uuid.NewString(),
		remoteIP:     remoteIP,
		cwd:          "/",
		transferType: "I",
	}
}

func (s *session) serve() {
	defer s.close()

	s.reply(220, welcomeMessage)

	s.server.logger.Info("session_started",
		"protocol", "ftp",
		"session_id", s.sessionID,
		"remote_ip", s.remoteIP,
	)

	for {
		if s.server.maxIdleTime > 0 {
			_ = s.conn.SetReadDeadline(time.Now().Add(s.server.maxIdleTime))
		}

		line, err := s.readCommand()
		if err != nil {
			if errors.Is(err, errCommandTooLong) {
				s.reply(500, "Command line too long.")
			} else if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				s.server.logger.Warn("read error",
					"session_id", s.sessionID,
					"remote_ip", s.remoteIP,
					"error", err,
				)
			}
			return
		}
		_ = s.conn.SetReadDeadline(time.Time{})

		if !s.handleCommand(line) {
			return
		}
	}
}

// readCommand reads one CRLF or LF terminated line.
func (s *session) readCommand() (string, error) {
	var line []byte
	for {
		b, err := s.reader.ReadByte()
		if err != nil {
			return "", err
		}
		if b == '\n' {
			return strings.TrimRight(string(line), "\r"), nil
		}
		if len(line) >= maxCommandLength {
			return "", errCommandTooLong
		}
		line = append(line, b)
	}
}

func (s *session) close() {
	s.cancel()
	s.closePassive()
	s.conn.Close()

	s.server.logger.Debug("session closed",
		"session_id", s.sessionID,
		"remote_ip", s.remoteIP,
		"user", s.user,
	)
}

// handleCommand dispatches one command line. It returns false when the
// session should end.
func (s *session) handleCommand(line string) bool {
	if line == "" {
		return true
	}

	cmd, arg, _ := strings.Cut(line, " ")
	cmd = strings.ToUpper(cmd)

	logArg := arg
	if cmd == "PASS" {
		logArg = "***"
	}
	s.server.logger.Debug("command received",
		"session_id", s.sessionID,
		"user", s.user,
		"cmd", cmd,
		"arg", logArg,
	)

	switch cmd {
	case "USER":
		s.handleUSER(arg)
	case "PASS":
		s.handlePASS(arg)
	case "QUIT":
		s.reply(221, "Service closing control connection.")
		return false
	case "NOOP":
		s.reply(200, "OK.")
	default:
		if handler, ok := preLoginHandlers[cmd]; ok {
			handler(s, arg)
			return true
		}
		handler, ok := commandHandlers[cmd]
		if !ok {
			s.reply(502, "Command not implemented.")
			return true
		}
		if !s.isLoggedIn {
			s.reply(530, "Please login with USER and PASS.")
			return true
		}
		handler(s, arg)
	}
	return true
}

func (s *session) handleUSER(user string) {
	s.user = user
	s.isLoggedIn = false
	if isAnonymous(user) {
		s.reply(331, "Anonymous login okay, send your complete email as your password.")
		return
	}
	s.reply(331, "User name okay, need password.")
}

func (s *session) handlePASS(_ string) {
	if s.user == "" {
		s.reply(503, "Login with USER first.")
		return
	}
	if !isAnonymous(s.user) {
		s.server.logger.Warn("authentication_failed",
			"protocol", "ftp",
			"session_id", s.sessionID,
			"remote_ip", s.remoteIP,
			"user", s.user,
			"reason", "only anonymous login allowed",
		)
		if s.server.metrics != nil {
			s.server.metrics.RecordAuthentication("ftp", false)
		}
		s.reply(530, "Login incorrect.")
		return
	}

	s.isLoggedIn = true
	s.server.logger.Info("authentication_success",
		"protocol", "ftp",
		"session_id", s.sessionID,
		"remote_ip", s.remoteIP,
		"user", s.user,
	)
	if s.server.metrics != nil {
		s.server.metrics.RecordAuthentication("ftp", true)
	}
	s.reply(230, "User logged in, proceed.")
}

func isAnonymous(user string) bool {
	return strings.EqualFold(user, "anonymous") || strings.EqualFold(user, "ftp")
}

func (s *session) handleSYST(_ string) {
	s.reply(215, "UNIX Type: L8")
}

func (s *session) handleFEAT(_ string) {
	s.writeLines("211-Features:",
		" SIZE",
		" MDTM",
		" PASV",
		" EPSV",
		" UTF8",
		" REST STREAM",
	)
	s.reply(211, "End")
}

func (s *session) handleOPTS(arg string) {
	if strings.EqualFold(strings.TrimSpace(arg), "UTF8 ON") {
		s.reply(200, "UTF8 mode enabled.")
		return
	}
	s.reply(501, "Option not understood.")
}

// path resolves a command argument against the working directory.
func (s *session) path(arg string) string {
	return storage.Join(s.cwd, arg)
}

// replyError sends a 550 reply matching the error type.
func (s *session) replyError(err error) {
	switch {
	case errors.Is(err, os.ErrNotExist):
		s.reply(550, "File not found.")
	case errors.Is(err, os.ErrPermission):
		s.reply(550, "Permission denied.")
	case errors.Is(err, os.ErrExist):
		s.reply(550, "File already exists.")
	default:
		s.reply(550, "Requested action not taken.")
	}
}

func (s *session) reply(code int, message string) {
	fmt.Fprintf(s.writer, "%d %s\r\n", code, message)
	s.writer.Flush()
}

// writeLines writes raw multi-line reply lines without flushing a final
// status line.
func (s *session) writeLines(lines ...string) {
	for _, line := range lines {
		fmt.Fprintf(s.writer, "%s\r\n", line)
	}
}

func (s *session) connData() (net.Conn, error) {
	if s.pasvList == nil {
		return nil, errors.New("no data connection setup")
	}
	ln := s.pasvList
	defer s.closePassive()

	if t, ok := ln.(*net.TCPListener); ok {
		_ = t.SetDeadline(time.Now().Add(passiveAcceptTimeout))
	}
	conn, err := ln.Accept()
	if err != nil {
		return nil, err
	}
	tracked, ok := s.server.tracker.TrackConn(conn)
	if !ok {
		conn.Close()
		return nil, ErrServerClosed
	}
	return tracked, nil
}

func (s *session) closePassive() {
	if s.pasvList != nil {
		s.server.tracker.UntrackCloser(s.pasvList)
		s.pasvList.Close()
		s.pasvList = nil
	}
}

// listenPassive opens a passive data listener on the control connection's
// local address.
func (s *session) listenPassive() (net.Listener, error) {
	host, _, err := net.SplitHostPort(s.conn.LocalAddr().String())
	if err != nil {
		host = ""
	}
	ln, err := net.Listen("tcp", net.JoinHostPort(host, "0"))
	if err != nil {
		return nil, err
	}
	if !s.server.tracker.TrackCloser(ln) {
		ln.Close()
		return nil, ErrServerClosed
	}
	return ln, nil
}

func (s *session) handlePASV(_ string) {
	s.closePassive()

	ln, err := s.listenPassive()
	if err != nil {
		s.reply(425, "Can't open passive connection.")
		return
	}
	s.pasvList = ln

	_, portStr, _ := net.SplitHostPort(ln.Addr().String())
	port, _ := strconv.Atoi(portStr)

	host, _, _ := net.SplitHostPort(s.conn.LocalAddr().String())
	ip := net.ParseIP(host).To4()
	if ip == nil {
		ip = net.IPv4zero.To4()
	}

	arg := fmt.Sprintf("%d,%d,%d,%d,%d,%d", ip[0], ip[1], ip[2], ip[3], port/256, port%256)
	s.reply(227, "Entering Passive Mode ("+arg+").")
}

func (s *session) handleEPSV(_ string) {
	s.closePassive()

	ln, err := s.listenPassive()
	if err != nil {
		s.reply(425, "Can't open passive connection.")
		return
	}
	s.pasvList = ln

	_, portStr, _ := net.SplitHostPort(ln.Addr().String())
	s.reply(229, fmt.Sprintf("Entering Extended Passive Mode (|||%s|)", portStr))
}
