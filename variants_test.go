package pairxfer

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"io"
	"net"
	"net/textproto"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"

	"github.com/gonzalop/pairxfer/credential"
)

const testSecret = "c2VjcmV0LWJ5dGVz"

// freePort returns a loopback port that was free a moment ago.
func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port
}

func variantOptions(first, last int, extra ...Option) []Option {
	return append([]Option{
		WithLogger(discardLogger()),
		WithListenHost("127.0.0.1"),
		WithPortRange(first, last),
		WithAddressResolver(func() (string, bool) { return "127.0.0.1", true }),
	}, extra...)
}

func TestAnonymousServer_EndToEnd(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "hello.txt"), []byte("hi"), 0o644); err != nil {
		t.Fatal(err)
	}
	port := freePort(t)
	srv, err := NewAnonymousServer(dir, variantOptions(port, port)...)
	if err != nil {
		t.Fatalf("NewAnonymousServer: %v", err)
	}
	defer srv.Stop()

	out := srv.Start(context.Background(), "ignored", "laptop")
	if out.Kind != OutcomeSuccess {
		t.Fatalf("Start = %v, err %v", out.Kind, out.Err)
	}
	want := ServerInfo{Username: "anonymous", IPAddress: "127.0.0.1", Port: port, Protocol: "ftp"}
	if out.Info != want {
		t.Errorf("Info = %+v, want %+v", out.Info, want)
	}

	conn, err := textproto.Dial("tcp", out.Info.Address())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	expect := func(code int, format string, args ...any) {
		t.Helper()
		if format != "" {
			if _, err := conn.Cmd(format, args...); err != nil {
				t.Fatalf("send: %v", err)
			}
		}
		if _, _, err := conn.ReadResponse(code); err != nil {
			t.Fatalf("%s: %v", format, err)
		}
	}
	expect(220, "")
	expect(331, "USER %s", out.Info.Username)
	expect(230, "PASS %s", out.Info.Password)
	expect(213, "SIZE hello.txt")
	expect(221, "QUIT")

	srv.Stop()
	if srv.Running() {
		t.Error("running after Stop")
	}
	if c, err := net.DialTimeout("tcp", out.Info.Address(), time.Second); err == nil {
		c.Close()
		t.Error("listener still accepting after Stop")
	}
}

func TestAnonymousServer_PortInUse(t *testing.T) {
	held, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer held.Close()
	port := held.Addr().(*net.TCPAddr).Port

	srv, err := NewAnonymousServer(t.TempDir(), variantOptions(port, port)...)
	if err != nil {
		t.Fatal(err)
	}
	out := srv.Start(context.Background(), "", "laptop")
	if out.Kind != OutcomePortInUse {
		t.Errorf("Kind = %v, want PortInUse (err %v)", out.Kind, out.Err)
	}
	if _, ok := srv.Info(); ok {
		t.Error("info present after PortInUse")
	}
}

func TestAnonymousServer_MissingRoot(t *testing.T) {
	port := freePort(t)
	srv, err := NewAnonymousServer(filepath.Join(t.TempDir(), "missing"), variantOptions(port, port+1)...)
	if err != nil {
		t.Fatal(err)
	}
	out := srv.Start(context.Background(), "", "laptop")
	if out.Kind != OutcomeConfigError {
		t.Errorf("Kind = %v, want ConfigError (err %v)", out.Kind, out.Err)
	}
	if out.Attempts != 2 {
		t.Errorf("Attempts = %d, want 2", out.Attempts)
	}
}

func TestAnonymousServer_RestrictedRoot(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("unix permissions not supported")
	}
	if os.Getuid() == 0 {
		t.Skip("permission bits are not enforced for root")
	}
	locked := filepath.Join(t.TempDir(), "locked")
	shared := filepath.Join(locked, "shared")
	if err := os.MkdirAll(shared, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.Chmod(locked, 0); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.Chmod(locked, 0o755) })

	port := freePort(t)
	srv, err := NewAnonymousServer(shared, variantOptions(port, port)...)
	if err != nil {
		t.Fatalf("NewAnonymousServer: %v", err)
	}
	defer srv.Stop()

	out := srv.Start(context.Background(), "", "laptop")
	if out.Kind != OutcomeSuccess {
		t.Fatalf("Start = %v, err %v", out.Kind, out.Err)
	}
	if out.Info.Port != port {
		t.Errorf("Port = %d, want %d", out.Info.Port, port)
	}
}

func TestAuthenticatedServer_EndToEnd(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "photo.jpg"), []byte("jpeg bytes"), 0o644); err != nil {
		t.Fatal(err)
	}
	hostKey, err := LoadHostKey(filepath.Join(t.TempDir(), "host_key"))
	if err != nil {
		t.Fatalf("LoadHostKey: %v", err)
	}

	port := freePort(t)
	srv, err := NewAuthenticatedServer(dir, hostKey, variantOptions(port, port)...)
	if err != nil {
		t.Fatalf("NewAuthenticatedServer: %v", err)
	}
	defer srv.Stop()

	out := srv.Start(context.Background(), testSecret, "phone")
	if out.Kind != OutcomeSuccess {
		t.Fatalf("Start = %v, err %v", out.Kind, out.Err)
	}

	cred, err := credential.Derive(testSecret)
	if err != nil {
		t.Fatal(err)
	}
	again, _ := credential.Derive(testSecret)
	if cred != again {
		t.Fatalf("Derive is not deterministic: %+v vs %+v", cred, again)
	}
	if out.Info.Username != cred.Username || out.Info.Password != cred.Password {
		t.Errorf("Info credential = %q/%q, want derived %q", out.Info.Username, out.Info.Password, cred.Username)
	}
	if out.Info.Protocol != "sftp" || out.Info.HostKeyFingerprint != ssh.FingerprintSHA256(hostKey.PublicKey()) {
		t.Errorf("Info = %+v", out.Info)
	}

	dial := func(auth ssh.AuthMethod) (*ssh.Client, error) {
		return ssh.Dial("tcp", out.Info.Address(), &ssh.ClientConfig{
			User:            out.Info.Username,
			Auth:            []ssh.AuthMethod{auth},
			HostKeyCallback: ssh.FixedHostKey(hostKey.PublicKey()),
			Timeout:         5 * time.Second,
		})
	}

	conn, err := dial(ssh.Password(cred.Password))
	if err != nil {
		t.Fatalf("login with derived password: %v", err)
	}
	client, err := sftp.NewClient(conn)
	if err != nil {
		t.Fatalf("sftp client: %v", err)
	}
	f, err := client.Open("/photo.jpg")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	data, err := io.ReadAll(f)
	f.Close()
	if err != nil || string(data) != "jpeg bytes" {
		t.Errorf("read = %q, %v", data, err)
	}
	client.Close()
	conn.Close()

	for i := range cred.Password {
		altered := []byte(cred.Password)
		if altered[i] == 'a' {
			altered[i] = 'b'
		} else {
			altered[i] = 'a'
		}
		if c, err := dial(ssh.Password(string(altered))); err == nil {
			c.Close()
			t.Fatalf("login succeeded with password altered at %d", i)
		}
	}

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	signer, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		t.Fatal(err)
	}
	if c, err := dial(ssh.PublicKeys(signer)); err == nil {
		c.Close()
		t.Error("public key login succeeded")
	}

	if second := srv.Start(context.Background(), testSecret, "phone"); second.Kind != OutcomeAlreadyRunning || second.Info != out.Info {
		t.Errorf("second Start = %v with %+v", second.Kind, second.Info)
	}
}

func TestAuthenticatedServer_InvalidSecret(t *testing.T) {
	hostKey, err := LoadHostKey("")
	if err != nil {
		t.Fatal(err)
	}
	port := freePort(t)
	srv, err := NewAuthenticatedServer(t.TempDir(), hostKey, variantOptions(port, port)...)
	if err != nil {
		t.Fatal(err)
	}

	for _, secret := range []string{"", "not base64!", "c2Vjc"} {
		out := srv.Start(context.Background(), secret, "phone")
		if out.Kind != OutcomeConfigError {
			t.Errorf("Start(%q) = %v, want ConfigError", secret, out.Kind)
		}
		if out.Attempts != 0 {
			t.Errorf("Start(%q) tried %d ports", secret, out.Attempts)
		}
	}
}

func TestAuthenticatedServer_NoHostKey(t *testing.T) {
	port := freePort(t)
	srv, err := NewAuthenticatedServer(t.TempDir(), nil, variantOptions(port, port)...)
	if err != nil {
		t.Fatal(err)
	}
	out := srv.Start(context.Background(), testSecret, "phone")
	if out.Kind != OutcomeConfigError {
		t.Errorf("Kind = %v, want ConfigError", out.Kind)
	}
	if out.Err == nil || !strings.Contains(out.Err.Error(), "host key") {
		t.Errorf("Err = %v", out.Err)
	}
}

func TestVariantsAreIndependent(t *testing.T) {
	dir := t.TempDir()
	hostKey, err := LoadHostKey("")
	if err != nil {
		t.Fatal(err)
	}
	ftpPort, sftpPort := freePort(t), freePort(t)

	anon, err := NewAnonymousServer(dir, variantOptions(ftpPort, ftpPort)...)
	if err != nil {
		t.Fatal(err)
	}
	auth, err := NewAuthenticatedServer(dir, hostKey, variantOptions(sftpPort, sftpPort)...)
	if err != nil {
		t.Fatal(err)
	}
	defer anon.Stop()
	defer auth.Stop()

	if out := anon.Start(context.Background(), "", "laptop"); !out.OK() {
		t.Fatalf("anonymous Start = %v, err %v", out.Kind, out.Err)
	}
	if out := auth.Start(context.Background(), testSecret, "laptop"); !out.OK() {
		t.Fatalf("authenticated Start = %v, err %v", out.Kind, out.Err)
	}

	anon.Stop()
	if !auth.Running() {
		t.Error("stopping the anonymous variant stopped the authenticated one")
	}
}
