// pairxferd serves a directory to a paired device over FTP and SFTP.
//
// The anonymous FTP variant needs no secret. The authenticated SFTP
// variant derives its login from the base64 shared secret established
// during pairing, passed with --secret or --secret-file. Connection
// details are printed to stdout once a server is listening; both servers
// stop on SIGINT or SIGTERM.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"

	"github.com/gonzalop/pairxfer"
	"github.com/gonzalop/pairxfer/internal/config"
	"github.com/gonzalop/pairxfer/promcollector"
)

var version = "dev"

func main() {
	if err := run(os.Args[1:], os.Stdout, os.Stderr); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// server is the part of both variants the daemon drives.
type server interface {
	Start(ctx context.Context, sharedSecret, deviceLabel string) pairxfer.StartOutcome
	Stop()
}

type flags struct {
	configPath  string
	root        string
	secret      string
	secretFile  string
	label       string
	variant     string
	showVersion bool
}

func parseFlags(args []string, stderr io.Writer) (*flags, error) {
	var f flags
	flagSet := pflag.NewFlagSet("pairxferd", pflag.ContinueOnError)
	flagSet.SetOutput(stderr)
	flagSet.StringVar(&f.configPath, "config", "", "path to the YAML config file (default: $"+config.EnvVar+")")
	flagSet.StringVar(&f.root, "root", "", "directory to serve (overrides storage.root)")
	flagSet.StringVar(&f.secret, "secret", "", "base64 shared secret from pairing")
	flagSet.StringVar(&f.secretFile, "secret-file", "", "read the shared secret from this file")
	flagSet.StringVar(&f.label, "label", "", "label of the paired device, used in logs")
	flagSet.StringVar(&f.variant, "variant", "", "servers to start: anonymous, authenticated or both (default: from config)")
	flagSet.BoolVar(&f.showVersion, "version", false, "print the version and exit")

	if err := flagSet.Parse(args); err != nil {
		return nil, err
	}
	if flagSet.NArg() > 0 {
		return nil, fmt.Errorf("unexpected argument: %s", flagSet.Arg(0))
	}
	if f.secret != "" && f.secretFile != "" {
		return nil, errors.New("--secret and --secret-file are mutually exclusive")
	}
	return &f, nil
}

func run(args []string, stdout, stderr io.Writer) error {
	f, err := parseFlags(args, stderr)
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if f.showVersion {
		fmt.Fprintf(stdout, "pairxferd %s\n", version)
		return nil
	}

	cfg, err := loadConfig(f)
	if err != nil {
		return err
	}

	logger, err := newLogger(cfg.Log, stderr)
	if err != nil {
		return err
	}

	secret, err := readSecret(f)
	if err != nil {
		return err
	}
	if cfg.Authenticated.Enabled && secret == "" {
		return errors.New("the authenticated variant needs --secret or --secret-file")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	options, err := cfg.Options()
	if err != nil {
		return err
	}
	options = append(options, pairxfer.WithLogger(logger))

	if cfg.Metrics.Listen != "" {
		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		metrics, err := promcollector.New(reg)
		if err != nil {
			return err
		}
		options = append(options, pairxfer.WithMetrics(metrics))

		_, shutdown, err := serveMetrics(cfg.Metrics.Listen, reg, logger)
		if err != nil {
			return err
		}
		defer shutdown()
	}

	servers, err := newServers(cfg, options)
	if err != nil {
		return err
	}
	defer func() {
		for _, srv := range servers {
			srv.Stop()
		}
	}()

	for _, srv := range servers {
		out := srv.Start(ctx, secret, f.label)
		if !out.OK() {
			return fmt.Errorf("start failed (%s after %d attempts): %w", out.Kind, out.Attempts, out.Err)
		}
		printInfo(stdout, out.Info)
	}

	<-ctx.Done()
	logger.Info("shutdown_requested")
	return nil
}

func loadConfig(f *flags) (*config.Config, error) {
	var cfg *config.Config
	var err error
	switch {
	case f.configPath != "":
		cfg, err = config.LoadFile(f.configPath)
	case os.Getenv(config.EnvVar) != "":
		cfg, err = config.Load()
	default:
		cfg = config.Default()
	}
	if err != nil {
		return nil, err
	}

	if f.root != "" {
		cfg.Storage.Root = f.root
	}
	switch f.variant {
	case "":
	case "anonymous":
		cfg.Anonymous.Enabled, cfg.Authenticated.Enabled = true, false
	case "authenticated":
		cfg.Anonymous.Enabled, cfg.Authenticated.Enabled = false, true
	case "both":
		cfg.Anonymous.Enabled, cfg.Authenticated.Enabled = true, true
	default:
		return nil, fmt.Errorf("--variant must be anonymous, authenticated or both, got %q", f.variant)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func newLogger(cfg config.LogConfig, w io.Writer) (*slog.Logger, error) {
	level, err := cfg.SlogLevel()
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	}
	return slog.New(slog.NewTextHandler(w, opts)), nil
}

func readSecret(f *flags) (string, error) {
	if f.secretFile == "" {
		return f.secret, nil
	}
	data, err := os.ReadFile(f.secretFile)
	if err != nil {
		return "", fmt.Errorf("reading secret: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}

func newServers(cfg *config.Config, options []pairxfer.Option) ([]server, error) {
	var servers []server
	if cfg.Anonymous.Enabled {
		anon, err := pairxfer.NewAnonymousServer(cfg.Storage.Root, options...)
		if err != nil {
			return nil, err
		}
		servers = append(servers, anon)
	}
	if cfg.Authenticated.Enabled {
		hostKey, err := pairxfer.LoadHostKey(cfg.Authenticated.HostKeyPath)
		if err != nil {
			return nil, err
		}
		auth, err := pairxfer.NewAuthenticatedServer(cfg.Storage.Root, hostKey, options...)
		if err != nil {
			return nil, err
		}
		servers = append(servers, auth)
	}
	return servers, nil
}

func printInfo(w io.Writer, info pairxfer.ServerInfo) {
	fmt.Fprintf(w, "%s server listening on %s\n", info.Protocol, info.Address())
	fmt.Fprintf(w, "  username: %s\n", info.Username)
	if info.Password != "" {
		fmt.Fprintf(w, "  password: %s\n", info.Password)
	}
	if info.HostKeyFingerprint != "" {
		fmt.Fprintf(w, "  host key: %s\n", info.HostKeyFingerprint)
	}
}

// serveMetrics binds addr and exposes reg on /metrics until the returned
// func is called.
func serveMetrics(addr string, reg *prometheus.Registry, logger *slog.Logger) (net.Addr, func(), error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, nil, fmt.Errorf("metrics listener: %w", err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics_server_failed", "addr", ln.Addr().String(), "error", err)
		}
	}()
	logger.Info("metrics_server_started", "addr", ln.Addr().String())

	return ln.Addr(), func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			logger.Warn("metrics_server_shutdown_error", "addr", ln.Addr().String(), "error", err)
		}
	}, nil
}
