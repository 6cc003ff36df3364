package ftpd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/textproto"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gonzalop/pairxfer/storage"
)

type testMetrics struct {
	mu        sync.Mutex
	auths     map[bool]int
	transfers map[string]int64
}

func (m *testMetrics) RecordAuthentication(protocol string, success bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.auths == nil {
		m.auths = make(map[bool]int)
	}
	m.auths[success]++
}

func (m *testMetrics) RecordTransfer(protocol, direction string, bytes int64, duration time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.transfers == nil {
		m.transfers = make(map[string]int64)
	}
	m.transfers[direction] += bytes
}

// setupServer starts a server on a loopback port over a temporary root.
func setupServer(t *testing.T, options ...Option) (*Server, string, string) {
	t.Helper()

	dir := t.TempDir()
	root, err := storage.Open(dir, storage.Auto)
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	t.Cleanup(func() { root.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	options = append([]Option{WithLogger(logger)}, options...)
	s, err := NewServer(root, options...)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	done := make(chan error, 1)
	go func() { done <- s.Serve(ln) }()

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.Shutdown(ctx)
		<-done
	})
	return s, ln.Addr().String(), dir
}

type testClient struct {
	t    *testing.T
	conn *textproto.Conn
}

func dial(t *testing.T, addr string) *testClient {
	t.Helper()
	conn, err := textproto.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	c := &testClient{t: t, conn: conn}
	c.expect(220)
	return c
}

func (c *testClient) cmd(expectCode int, format string, args ...any) string {
	c.t.Helper()
	if _, err := c.conn.Cmd(format, args...); err != nil {
		c.t.Fatalf("send %q: %v", format, err)
	}
	return c.expect(expectCode)
}

func (c *testClient) expect(code int) string {
	c.t.Helper()
	_, msg, err := c.conn.ReadResponse(code)
	if err != nil {
		c.t.Fatalf("expected %d: %v", code, err)
	}
	return msg
}

func (c *testClient) login() {
	c.t.Helper()
	c.cmd(331, "USER anonymous")
	c.cmd(230, "PASS guest@example.com")
}

// pasv enters extended passive mode and dials the data connection.
func (c *testClient) pasv() net.Conn {
	c.t.Helper()
	msg := c.cmd(229, "EPSV")
	start := strings.Index(msg, "|||")
	end := strings.LastIndex(msg, "|")
	if start < 0 || end <= start+3 {
		c.t.Fatalf("bad EPSV reply %q", msg)
	}
	port := msg[start+3 : end]
	conn, err := net.Dial("tcp", net.JoinHostPort("127.0.0.1", port))
	if err != nil {
		c.t.Fatalf("data dial: %v", err)
	}
	return conn
}

func TestNewServer_NilRoot(t *testing.T) {
	if _, err := NewServer(nil); err == nil {
		t.Error("expected error for nil root")
	}
	dir := t.TempDir()
	root, err := storage.Open(dir, storage.Direct)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := NewServer(root, WithLogger(nil)); err == nil {
		t.Error("expected error for nil logger")
	}
}

func TestLogin(t *testing.T) {
	metrics := &testMetrics{}
	_, addr, _ := setupServer(t, WithMetrics(metrics))

	tests := []struct {
		name     string
		user     string
		passCode int
	}{
		{"anonymous", "anonymous", 230},
		{"ftp alias", "FTP", 230},
		{"named user rejected", "alice", 530},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := dial(t, addr)
			c.cmd(530, "PWD")
			c.cmd(331, "USER %s", tt.user)
			c.cmd(tt.passCode, "PASS secret")
		})
	}

	metrics.mu.Lock()
	defer metrics.mu.Unlock()
	if metrics.auths[true] != 2 || metrics.auths[false] != 1 {
		t.Errorf("auth metrics = %v", metrics.auths)
	}
}

func TestPreLoginCommands(t *testing.T) {
	_, addr, _ := setupServer(t)
	c := dial(t, addr)

	c.cmd(215, "SYST")
	c.cmd(200, "OPTS UTF8 ON")
	c.cmd(200, "NOOP")
	feat := c.cmd(211, "FEAT")
	if !strings.Contains(feat, "EPSV") {
		t.Errorf("FEAT missing EPSV: %q", feat)
	}
	c.cmd(502, "SITE CHMOD 777 x")
	c.cmd(221, "QUIT")
}

func TestDirectoryNavigation(t *testing.T) {
	_, addr, dir := setupServer(t)
	if err := os.MkdirAll(filepath.Join(dir, "a", "b"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "a", "file.txt"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	c := dial(t, addr)
	c.login()

	if pwd := c.cmd(257, "PWD"); !strings.Contains(pwd, `"/"`) {
		t.Errorf("PWD = %q", pwd)
	}
	c.cmd(250, "CWD a/b")
	if pwd := c.cmd(257, "PWD"); !strings.Contains(pwd, `"/a/b"`) {
		t.Errorf("PWD = %q", pwd)
	}
	c.cmd(250, "CDUP")
	c.cmd(550, "CWD file.txt")
	c.cmd(550, "CWD missing")

	// ".." never climbs above the root.
	c.cmd(250, "CWD ../../..")
	if pwd := c.cmd(257, "PWD"); !strings.Contains(pwd, `"/"`) {
		t.Errorf("PWD after escape attempt = %q", pwd)
	}
}

func TestListAndNlst(t *testing.T) {
	_, addr, dir := setupServer(t)
	for _, name := range []string{"one.txt", "two.txt"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(name), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	c := dial(t, addr)
	c.login()

	data := c.pasv()
	c.cmd(150, "LIST -la")
	listing, err := io.ReadAll(data)
	data.Close()
	if err != nil {
		t.Fatal(err)
	}
	c.expect(226)
	for _, name := range []string{"one.txt", "two.txt"} {
		if !strings.Contains(string(listing), name) {
			t.Errorf("LIST missing %s: %q", name, listing)
		}
	}
	if !strings.Contains(string(listing), "owner group 7") {
		t.Errorf("LIST line format: %q", listing)
	}

	data = c.pasv()
	c.cmd(150, "NLST")
	names, err := io.ReadAll(data)
	data.Close()
	if err != nil {
		t.Fatal(err)
	}
	c.expect(226)
	if got := strings.Fields(string(names)); len(got) != 2 {
		t.Errorf("NLST = %q", got)
	}
}

func TestUploadDownload(t *testing.T) {
	metrics := &testMetrics{}
	_, addr, dir := setupServer(t, WithMetrics(metrics), WithBandwidthLimit(10*1024*1024))
	c := dial(t, addr)
	c.login()
	c.cmd(200, "TYPE I")

	content := strings.Repeat("pairxfer ", 1000)

	data := c.pasv()
	c.cmd(150, "STOR upload.txt")
	if _, err := io.WriteString(data, content); err != nil {
		t.Fatal(err)
	}
	data.Close()
	c.expect(226)

	got, err := os.ReadFile(filepath.Join(dir, "upload.txt"))
	if err != nil || string(got) != content {
		t.Fatalf("stored file = %d bytes, err %v", len(got), err)
	}

	if size := c.cmd(213, "SIZE upload.txt"); size != fmt.Sprint(len(content)) {
		t.Errorf("SIZE = %q", size)
	}
	c.cmd(213, "MDTM upload.txt")

	data = c.pasv()
	c.cmd(150, "RETR upload.txt")
	downloaded, err := io.ReadAll(data)
	data.Close()
	if err != nil {
		t.Fatal(err)
	}
	c.expect(226)
	if string(downloaded) != content {
		t.Errorf("downloaded %d bytes, want %d", len(downloaded), len(content))
	}

	// Resume from an offset.
	c.cmd(350, "REST 9")
	data = c.pasv()
	c.cmd(150, "RETR upload.txt")
	rest, _ := io.ReadAll(data)
	data.Close()
	c.expect(226)
	if string(rest) != content[9:] {
		t.Errorf("REST download = %d bytes, want %d", len(rest), len(content)-9)
	}

	data = c.pasv()
	c.cmd(150, "APPE upload.txt")
	io.WriteString(data, "!")
	data.Close()
	c.expect(226)
	got, _ = os.ReadFile(filepath.Join(dir, "upload.txt"))
	if string(got) != content+"!" {
		t.Errorf("APPE result length %d", len(got))
	}

	metrics.mu.Lock()
	defer metrics.mu.Unlock()
	if metrics.transfers["upload"] != int64(len(content)+1) {
		t.Errorf("upload bytes = %d", metrics.transfers["upload"])
	}
	if metrics.transfers["download"] != int64(2*len(content)-9) {
		t.Errorf("download bytes = %d", metrics.transfers["download"])
	}
}

func TestFileManagement(t *testing.T) {
	_, addr, dir := setupServer(t)
	c := dial(t, addr)
	c.login()

	c.cmd(257, "MKD docs")
	if info, err := os.Stat(filepath.Join(dir, "docs")); err != nil || !info.IsDir() {
		t.Fatalf("MKD did not create directory: %v", err)
	}
	c.cmd(550, "MKD docs")

	if err := os.WriteFile(filepath.Join(dir, "docs", "a.txt"), []byte("a"), 0o644); err != nil {
		t.Fatal(err)
	}
	c.cmd(350, "RNFR docs/a.txt")
	c.cmd(250, "RNTO docs/b.txt")
	if _, err := os.Stat(filepath.Join(dir, "docs", "b.txt")); err != nil {
		t.Errorf("rename target missing: %v", err)
	}
	c.cmd(503, "RNTO docs/c.txt")

	c.cmd(550, "DELE docs")
	c.cmd(250, "DELE docs/b.txt")
	c.cmd(550, "DELE docs/b.txt")
	c.cmd(250, "RMD docs")
	if _, err := os.Stat(filepath.Join(dir, "docs")); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("RMD left directory: %v", err)
	}
	c.cmd(550, "RMD /")
}

func TestReadOnly(t *testing.T) {
	_, addr, dir := setupServer(t, WithReadOnly(true))
	if err := os.WriteFile(filepath.Join(dir, "keep.txt"), []byte("k"), 0o644); err != nil {
		t.Fatal(err)
	}
	c := dial(t, addr)
	c.login()

	c.cmd(550, "MKD new")
	c.cmd(550, "DELE keep.txt")
	c.cmd(550, "RNFR keep.txt")
	c.cmd(550, "STOR other.txt")
	if _, err := os.Stat(filepath.Join(dir, "keep.txt")); err != nil {
		t.Errorf("read-only server modified tree: %v", err)
	}
}

func TestTransferParameters(t *testing.T) {
	_, addr, _ := setupServer(t)
	c := dial(t, addr)
	c.login()

	tests := []struct {
		cmd  string
		code int
	}{
		{"TYPE A", 200},
		{"TYPE I", 200},
		{"TYPE E", 504},
		{"MODE S", 200},
		{"MODE B", 504},
		{"STRU F", 200},
		{"STRU R", 504},
		{"REST -1", 501},
		{"REST abc", 501},
	}
	for _, tt := range tests {
		c.cmd(tt.code, "%s", tt.cmd)
	}

	c.cmd(425, "RETR nodata.txt")

	// PASV reply carries the loopback address.
	msg := c.cmd(227, "PASV")
	if !strings.Contains(msg, "127,0,0,1,") {
		t.Errorf("PASV reply = %q", msg)
	}
}

func TestShutdownClosesSessions(t *testing.T) {
	s, addr, _ := setupServer(t)
	c := dial(t, addr)
	c.login()
	c.cmd(229, "EPSV")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	if _, err := c.conn.Cmd("NOOP"); err == nil {
		if _, _, err := c.conn.ReadResponse(200); err == nil {
			t.Error("session still alive after Shutdown")
		}
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Serve(ln); !errors.Is(err, ErrServerClosed) {
		t.Errorf("Serve after Shutdown = %v, want ErrServerClosed", err)
	}
}

func TestIdleTimeout(t *testing.T) {
	_, addr, _ := setupServer(t, WithMaxIdleTime(100*time.Millisecond))
	c := dial(t, addr)

	time.Sleep(300 * time.Millisecond)
	if _, err := c.conn.Cmd("NOOP"); err == nil {
		if _, _, err := c.conn.ReadResponse(200); err == nil {
			t.Error("idle session was not closed")
		}
	}
}

func TestFormatListLine(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "old.bin")
	if err := os.WriteFile(path, []byte("12345"), 0o644); err != nil {
		t.Fatal(err)
	}
	old := time.Date(2020, time.March, 4, 10, 0, 0, 0, time.Local)
	if err := os.Chtimes(path, old, old); err != nil {
		t.Fatal(err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	line := formatListLine(info)
	want := "-rw-r--r-- 1 owner group 5 Mar 04  2020 old.bin\r\n"
	if line != want {
		t.Errorf("formatListLine = %q, want %q", line, want)
	}
}

func TestListTarget(t *testing.T) {
	tests := []struct{ in, want string }{
		{"", ""},
		{"-la", ""},
		{"-la docs", "docs"},
		{"my docs", "my docs"},
	}
	for _, tt := range tests {
		if got := listTarget(tt.in); got != tt.want {
			t.Errorf("listTarget(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
