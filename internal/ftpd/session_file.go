package ftpd

import (
	"fmt"
	"io/fs"
	"strings"
	"time"
)

func (s *session) handlePWD(_ string) {
	s.reply(257, fmt.Sprintf("%q is the current directory.", s.cwd))
}

func (s *session) handleCWD(arg string) {
	target := s.path(arg)
	info, err := s.server.root.Stat(target)
	if err != nil {
		s.replyError(err)
		return
	}
	if !info.IsDir() {
		s.reply(550, "Not a directory.")
		return
	}
	s.cwd = target
	s.reply(250, "Directory successfully changed.")
}

func (s *session) handleCDUP(_ string) {
	s.handleCWD("..")
}

// listTarget strips ls-style flags some clients send with LIST and NLST.
func listTarget(arg string) string {
	var parts []string
	for _, field := range strings.Fields(arg) {
		if strings.HasPrefix(field, "-") {
			continue
		}
		parts = append(parts, field)
	}
	return strings.Join(parts, " ")
}

// listEntries returns the entries for a directory, or the single entry
// when the target is a file.
func (s *session) listEntries(arg string) ([]fs.FileInfo, error) {
	target := s.path(listTarget(arg))
	info, err := s.server.root.Stat(target)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return []fs.FileInfo{info}, nil
	}
	return s.server.root.ReadDir(target)
}

func (s *session) handleLIST(arg string) {
	entries, err := s.listEntries(arg)
	if err != nil {
		s.replyError(err)
		return
	}

	conn, err := s.connData()
	if err != nil {
		s.reply(425, "Can't open data connection.")
		return
	}
	defer conn.Close()

	s.reply(150, "Here comes the directory listing.")
	for _, entry := range entries {
		fmt.Fprint(conn, formatListLine(entry))
	}
	s.reply(226, "Directory send OK.")
}

// formatListLine renders entry as a Unix ls -l line.
func formatListLine(entry fs.FileInfo) string {
	modTime := entry.ModTime()
	stamp := modTime.Format("Jan 02 15:04")
	if time.Since(modTime) > 180*24*time.Hour {
		stamp = modTime.Format("Jan 02  2006")
	}
	return fmt.Sprintf("%s 1 owner group %d %s %s\r\n",
		entry.Mode().String(), entry.Size(), stamp, entry.Name())
}

func (s *session) handleNLST(arg string) {
	entries, err := s.listEntries(arg)
	if err != nil {
		s.replyError(err)
		return
	}

	conn, err := s.connData()
	if err != nil {
		s.reply(425, "Can't open data connection.")
		return
	}
	defer conn.Close()

	s.reply(150, "Here comes the file list.")
	for _, entry := range entries {
		fmt.Fprintf(conn, "%s\r\n", entry.Name())
	}
	s.reply(226, "Directory send OK.")
}

// denyWrite replies 550 and returns true when the server is read-only.
func (s *session) denyWrite() bool {
	if s.server.readOnly {
		s.reply(550, "Permission denied.")
		return true
	}
	return false
}

func (s *session) handleMKD(arg string) {
	if s.denyWrite() {
		return
	}
	target := s.path(arg)
	if err := s.server.root.Mkdir(target, 0o755); err != nil {
		s.replyError(err)
		return
	}
	s.reply(257, fmt.Sprintf("%q created.", target))
}

func (s *session) handleRMD(arg string) {
	if s.denyWrite() {
		return
	}
	target := s.path(arg)
	info, err := s.server.root.Stat(target)
	if err != nil {
		s.replyError(err)
		return
	}
	if !info.IsDir() {
		s.reply(550, "Not a directory.")
		return
	}
	if err := s.server.root.Remove(target); err != nil {
		s.replyError(err)
		return
	}
	s.reply(250, "Directory removed.")
}

func (s *session) handleDELE(arg string) {
	if s.denyWrite() {
		return
	}
	target := s.path(arg)
	info, err := s.server.root.Stat(target)
	if err != nil {
		s.replyError(err)
		return
	}
	if info.IsDir() {
		s.reply(550, "Is a directory.")
		return
	}
	if err := s.server.root.Remove(target); err != nil {
		s.replyError(err)
		return
	}
	s.reply(250, "File deleted.")
}

func (s *session) handleRNFR(arg string) {
	if s.denyWrite() {
		return
	}
	target := s.path(arg)
	if _, err := s.server.root.Stat(target); err != nil {
		s.replyError(err)
		return
	}
	s.renameFrom = target
	s.reply(350, "Ready for RNTO.")
}

func (s *session) handleRNTO(arg string) {
	if s.denyWrite() {
		return
	}
	if s.renameFrom == "" {
		s.reply(503, "Bad sequence of commands.")
		return
	}
	from := s.renameFrom
	s.renameFrom = ""
	if err := s.server.root.Rename(from, s.path(arg)); err != nil {
		s.replyError(err)
		return
	}
	s.reply(250, "Rename successful.")
}

func (s *session) handleSIZE(arg string) {
	info, err := s.server.root.Stat(s.path(arg))
	if err != nil {
		s.replyError(err)
		return
	}
	if info.IsDir() {
		s.reply(550, "Not a regular file.")
		return
	}
	s.reply(213, fmt.Sprintf("%d", info.Size()))
}

func (s *session) handleMDTM(arg string) {
	info, err := s.server.root.Stat(s.path(arg))
	if err != nil {
		s.replyError(err)
		return
	}
	s.reply(213, info.ModTime().UTC().Format("20060102150405"))
}
