package main

import (
	"bytes"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/gonzalop/pairxfer"
)

func TestRun_Version(t *testing.T) {
	var stdout bytes.Buffer
	if err := run([]string{"--version"}, &stdout, io.Discard); err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if !strings.HasPrefix(stdout.String(), "pairxferd ") {
		t.Errorf("unexpected version output %q", stdout.String())
	}
}

func TestRun_Errors(t *testing.T) {
	t.Setenv("PAIRXFER_CONFIG", "")
	root := t.TempDir()

	tests := []struct {
		name string
		args []string
		want string
	}{
		{"extra argument", []string{"--root", root, "extra"}, "unexpected argument"},
		{"unknown flag", []string{"--bogus"}, "unknown flag"},
		{"both secret sources", []string{"--secret", "a", "--secret-file", "b"}, "mutually exclusive"},
		{"missing root", []string{"--variant", "anonymous"}, "storage.root is required"},
		{"bad variant", []string{"--root", root, "--variant", "ftp"}, "--variant"},
		{"authenticated without secret", []string{"--root", root, "--variant", "authenticated"}, "needs --secret"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := run(tt.args, io.Discard, io.Discard)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}

func TestLoadConfig_VariantOverride(t *testing.T) {
	t.Setenv("PAIRXFER_CONFIG", "")
	root := t.TempDir()

	tests := []struct {
		variant           string
		anonymous, authed bool
	}{
		{"", true, true},
		{"anonymous", true, false},
		{"authenticated", false, true},
		{"both", true, true},
	}
	for _, tt := range tests {
		t.Run(tt.variant, func(t *testing.T) {
			cfg, err := loadConfig(&flags{root: root, variant: tt.variant})
			if err != nil {
				t.Fatalf("loadConfig failed: %v", err)
			}
			if cfg.Anonymous.Enabled != tt.anonymous || cfg.Authenticated.Enabled != tt.authed {
				t.Errorf("enabled = %v/%v, want %v/%v",
					cfg.Anonymous.Enabled, cfg.Authenticated.Enabled, tt.anonymous, tt.authed)
			}
			if cfg.Storage.Root != root {
				t.Errorf("root = %s, want %s", cfg.Storage.Root, root)
			}
		})
	}
}

func TestLoadConfig_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pairxferd.yaml")
	content := "storage:\n  root: /srv/share\nanonymous:\n  enabled: false\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := loadConfig(&flags{configPath: path})
	if err != nil {
		t.Fatalf("loadConfig failed: %v", err)
	}
	if cfg.Storage.Root != "/srv/share" || cfg.Anonymous.Enabled {
		t.Errorf("unexpected config %+v", cfg)
	}
}

func TestReadSecret(t *testing.T) {
	path := filepath.Join(t.TempDir(), "secret")
	if err := os.WriteFile(path, []byte("c2VjcmV0\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	got, err := readSecret(&flags{secretFile: path})
	if err != nil || got != "c2VjcmV0" {
		t.Errorf("readSecret = %q, %v", got, err)
	}
	got, err = readSecret(&flags{secret: "inline"})
	if err != nil || got != "inline" {
		t.Errorf("readSecret = %q, %v", got, err)
	}
	if _, err := readSecret(&flags{secretFile: path + ".missing"}); err == nil {
		t.Error("expected error for missing secret file")
	}
}

func TestPrintInfo(t *testing.T) {
	var buf bytes.Buffer
	printInfo(&buf, pairxfer.ServerInfo{
		Username:           "u",
		Password:           "p",
		IPAddress:          "192.168.1.2",
		Port:               5151,
		Protocol:           "sftp",
		HostKeyFingerprint: "SHA256:abc",
	})
	for _, want := range []string{"sftp server listening on 192.168.1.2:5151", "username: u", "password: p", "host key: SHA256:abc"} {
		if !strings.Contains(buf.String(), want) {
			t.Errorf("output %q missing %q", buf.String(), want)
		}
	}

	buf.Reset()
	printInfo(&buf, pairxfer.ServerInfo{Username: "anonymous", IPAddress: "10.0.0.1", Port: 5152, Protocol: "ftp"})
	if strings.Contains(buf.String(), "password") {
		t.Errorf("empty password printed: %q", buf.String())
	}
}

func TestServeMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "pairxferd_test_total", Help: "test counter"})
	reg.MustRegister(counter)
	counter.Inc()

	var logs bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&logs, nil))

	addr, stop, err := serveMetrics("127.0.0.1:0", reg, logger)
	if err != nil {
		t.Fatalf("serveMetrics: %v", err)
	}
	url := "http://" + addr.String() + "/metrics"

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusOK)
	}
	if !strings.Contains(string(body), "pairxferd_test_total 1") {
		t.Errorf("metrics body missing counter:\n%s", body)
	}

	stop()
	if strings.Contains(logs.String(), "metrics_server_shutdown_error") {
		t.Errorf("unexpected shutdown error: %s", logs.String())
	}
	if c, err := net.DialTimeout("tcp", addr.String(), time.Second); err == nil {
		c.Close()
		t.Error("metrics listener still accepting after stop")
	}
}

func TestServeMetrics_AddressInUse(t *testing.T) {
	held, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer held.Close()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	if _, _, err := serveMetrics(held.Addr().String(), prometheus.NewRegistry(), logger); err == nil {
		t.Error("expected error for a port already in use")
	}
}
