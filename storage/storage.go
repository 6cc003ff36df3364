// Package storage scopes served file access to a single directory tree.
//
// A [Root] presents a virtual filesystem whose "/" is the shared storage
// directory. All names passed to a Root are slash-separated virtual paths;
// relative names are resolved against "/". Nothing outside the directory
// can be reached through a Root.
//
// Two strategies are available:
//
//   - [Direct] joins virtual paths onto the native directory path and
//     rejects names whose resolved location escapes the root.
//   - [Sandboxed] opens the directory with os.OpenRoot and lets the
//     kernel enforce the jail.
//
// [Auto] picks Sandboxed when the platform supports it. Clients see the
// same tree whichever strategy is chosen.
package storage

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/gonzalop/pairxfer/internal/failure"
)

// Strategy selects how a Root confines access to its directory.
type Strategy int

const (
	// Auto uses Sandboxed when available and Direct otherwise.
	Auto Strategy = iota
	// Direct resolves names against the native path.
	Direct
	// Sandboxed confines access with os.Root.
	Sandboxed
)

// String returns the lowercase strategy name.
func (s Strategy) String() string {
	switch s {
	case Direct:
		return "direct"
	case Sandboxed:
		return "sandboxed"
	default:
		return "auto"
	}
}

// ParseStrategy parses "auto", "direct" or "sandboxed".
func ParseStrategy(s string) (Strategy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "auto":
		return Auto, nil
	case "direct":
		return Direct, nil
	case "sandboxed", "sandbox":
		return Sandboxed, nil
	}
	return Auto, fmt.Errorf("unknown storage strategy %q: %w", s, failure.ErrConfig)
}

// File is an open file inside a Root. *os.File satisfies it.
type File interface {
	io.Reader
	io.Writer
	io.Seeker
	io.ReaderAt
	io.WriterAt
	io.Closer
	Stat() (fs.FileInfo, error)
	Truncate(size int64) error
}

// Root is a filesystem view rooted at a shared storage directory.
//
// Implementations are safe for concurrent use.
type Root interface {
	// Path returns the native path of the directory serving as "/".
	Path() string

	// Strategy reports which confinement strategy is in use.
	Strategy() Strategy

	Stat(name string) (fs.FileInfo, error)
	Lstat(name string) (fs.FileInfo, error)

	// ReadDir lists the directory, skipping entries whose metadata
	// cannot be read.
	ReadDir(name string) ([]fs.FileInfo, error)

	OpenFile(name string, flag int, perm fs.FileMode) (File, error)
	Mkdir(name string, perm fs.FileMode) error

	// Remove deletes a file or an empty directory.
	Remove(name string) error

	Rename(oldname, newname string) error
	Chmod(name string, mode fs.FileMode) error
	Chtimes(name string, atime, mtime time.Time) error
	Truncate(name string, size int64) error

	// Close releases the handle held on the directory.
	Close() error
}

// Option configures Open.
type Option func(*openConfig)

type openConfig struct {
	logger *slog.Logger
}

// WithLogger sets the logger used to report degraded access.
func WithLogger(logger *slog.Logger) Option {
	return func(c *openConfig) {
		c.logger = logger
	}
}

// Open returns a Root for dir using strategy.
//
// dir must exist and be a directory; otherwise the returned error is
// classified as a configuration failure. If dir exists but cannot be
// opened for lack of permission, Open falls back to Direct and logs a
// warning: listings may still work while content access fails.
func Open(dir string, strategy Strategy, options ...Option) (Root, error) {
	cfg := openConfig{logger: slog.Default()}
	for _, opt := range options {
		opt(&cfg)
	}

	if dir == "" {
		return nil, failure.Configf("open root", "storage root is not set")
	}

	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, failure.New("open root", err)
	}

	info, err := os.Stat(abs)
	switch {
	case err == nil:
		if !info.IsDir() {
			return nil, failure.Configf("open root", "storage root is not a directory: %s", abs)
		}
	case errors.Is(err, fs.ErrPermission):
		cfg.logger.Warn("storage_root_restricted",
			"path", abs,
			"error", err,
		)
		return newDirectRoot(abs), nil
	default:
		return nil, failure.New("open root", fmt.Errorf("root path validation failed: %w", err))
	}

	// Canonicalize so the escape checks of the direct strategy compare
	// against the real location.
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		abs = resolved
	}

	switch strategy {
	case Direct:
		return newDirectRoot(abs), nil
	case Sandboxed:
		root, err := os.OpenRoot(abs)
		if err != nil {
			return nil, failure.New("open root", err)
		}
		return &sandboxedRoot{root: root, path: abs}, nil
	default:
		root, err := os.OpenRoot(abs)
		if err != nil {
			cfg.logger.Warn("storage_root_sandbox_unavailable",
				"path", abs,
				"error", err,
			)
			return newDirectRoot(abs), nil
		}
		return &sandboxedRoot{root: root, path: abs}, nil
	}
}

// Clean converts a virtual path to a slash-separated path relative to the
// root, or "." for the root itself. ".." components never climb above
// the root.
func Clean(name string) string {
	rel := strings.TrimPrefix(path.Clean("/"+filepath.ToSlash(name)), "/")
	if rel == "" {
		return "."
	}
	return rel
}

// Join resolves name against the virtual directory dir and returns a clean
// absolute virtual path.
func Join(dir, name string) string {
	if strings.HasPrefix(name, "/") {
		return path.Clean(name)
	}
	return path.Clean(path.Join("/", dir, name))
}

func readDirInfos(entries []fs.DirEntry) []fs.FileInfo {
	infos := make([]fs.FileInfo, 0, len(entries))
	for _, entry := range entries {
		info, err := entry.Info()
		if err == nil {
			infos = append(infos, info)
		}
	}
	return infos
}
