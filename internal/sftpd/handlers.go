package sftpd

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"sync/atomic"
	"time"

	"github.com/pkg/sftp"

	"github.com/gonzalop/pairxfer/internal/ratelimit"
	"github.com/gonzalop/pairxfer/storage"
)

// handlers implements the pkg/sftp request handler interfaces over the
// server's storage root for one authenticated user.
type handlers struct {
	server *Server
	logger *slog.Logger
	user   string
}

func newHandlers(s *Server, logger *slog.Logger, user string) *handlers {
	return &handlers{server: s, logger: logger, user: user}
}

func (h *handlers) root() storage.Root {
	return h.server.root
}

func (h *handlers) Fileread(r *sftp.Request) (io.ReaderAt, error) {
	f, err := h.root().OpenFile(r.Filepath, os.O_RDONLY, 0)
	if err != nil {
		return nil, err
	}
	if info, err := f.Stat(); err == nil && info.IsDir() {
		f.Close()
		return nil, sftp.ErrSSHFxFailure
	}
	return h.newTransfer(r.Context(), f, r.Filepath, "download"), nil
}

func (h *handlers) Filewrite(r *sftp.Request) (io.WriterAt, error) {
	if h.server.readOnly {
		return nil, sftp.ErrSSHFxPermissionDenied
	}

	pflags := r.Pflags()
	flags := os.O_WRONLY
	if pflags.Creat {
		flags |= os.O_CREATE
	}
	if pflags.Trunc {
		flags |= os.O_TRUNC
	}
	if pflags.Excl {
		flags |= os.O_EXCL
	}
	// Append is ignored: clients send explicit offsets and WriteAt is
	// rejected on O_APPEND files.

	f, err := h.root().OpenFile(r.Filepath, flags, 0o644)
	if err != nil {
		return nil, err
	}
	return h.newTransfer(r.Context(), f, r.Filepath, "upload"), nil
}

func (h *handlers) Filecmd(r *sftp.Request) error {
	if h.server.readOnly {
		return sftp.ErrSSHFxPermissionDenied
	}

	root := h.root()
	switch r.Method {
	case "Setstat":
		return h.setstat(r)
	case "Rename", "PosixRename":
		return root.Rename(r.Filepath, r.Target)
	case "Rmdir":
		info, err := root.Stat(r.Filepath)
		if err != nil {
			return err
		}
		if !info.IsDir() {
			return sftp.ErrSSHFxFailure
		}
		return root.Remove(r.Filepath)
	case "Remove":
		info, err := root.Stat(r.Filepath)
		if err != nil {
			return err
		}
		if info.IsDir() {
			return sftp.ErrSSHFxFailure
		}
		return root.Remove(r.Filepath)
	case "Mkdir":
		return root.Mkdir(r.Filepath, 0o755)
	}
	return sftp.ErrSSHFxOpUnsupported
}

func (h *handlers) setstat(r *sftp.Request) error {
	root := h.root()
	attrs := r.Attributes()
	flags := r.AttrFlags()

	if flags.Size {
		if err := root.Truncate(r.Filepath, int64(attrs.Size)); err != nil {
			return err
		}
	}
	if flags.Permissions {
		if err := root.Chmod(r.Filepath, fs.FileMode(attrs.Mode).Perm()); err != nil {
			return err
		}
	}
	if flags.Acmodtime {
		atime := time.Unix(int64(attrs.Atime), 0)
		mtime := time.Unix(int64(attrs.Mtime), 0)
		if err := root.Chtimes(r.Filepath, atime, mtime); err != nil {
			return err
		}
	}
	return nil
}

func (h *handlers) Filelist(r *sftp.Request) (sftp.ListerAt, error) {
	root := h.root()
	switch r.Method {
	case "List":
		entries, err := root.ReadDir(r.Filepath)
		if err != nil {
			return nil, err
		}
		return listerat(entries), nil
	case "Stat":
		info, err := root.Stat(r.Filepath)
		if err != nil {
			return nil, err
		}
		return listerat{info}, nil
	case "Lstat":
		info, err := root.Lstat(r.Filepath)
		if err != nil {
			return nil, err
		}
		return listerat{info}, nil
	}
	return nil, sftp.ErrSSHFxOpUnsupported
}

// listerat serves a fixed slice of entries to ListAt calls.
type listerat []fs.FileInfo

func (l listerat) ListAt(dst []os.FileInfo, offset int64) (int, error) {
	if offset >= int64(len(l)) {
		return 0, io.EOF
	}
	n := copy(dst, l[offset:])
	if n < len(dst) || offset+int64(n) == int64(len(l)) {
		return n, io.EOF
	}
	return n, nil
}

// transfer wraps an open file for one SFTP read or write handle. It
// applies the bandwidth limit and reports the byte count when closed.
type transfer struct {
	h         *handlers
	file      storage.File
	readerAt  io.ReaderAt
	writerAt  io.WriterAt
	path      string
	direction string
	start     time.Time
	bytes     atomic.Int64
	closed    atomic.Bool
}

func (h *handlers) newTransfer(ctx context.Context, f storage.File, path, direction string) *transfer {
	return &transfer{
		h:         h,
		file:      f,
		readerAt:  ratelimit.NewReaderAt(ctx, f, h.server.limiter),
		writerAt:  ratelimit.NewWriterAt(ctx, f, h.server.limiter),
		path:      path,
		direction: direction,
		start:     time.Now(),
	}
}

func (t *transfer) ReadAt(p []byte, off int64) (int, error) {
	n, err := t.readerAt.ReadAt(p, off)
	t.bytes.Add(int64(n))
	return n, err
}

func (t *transfer) WriteAt(p []byte, off int64) (int, error) {
	n, err := t.writerAt.WriteAt(p, off)
	t.bytes.Add(int64(n))
	return n, err
}

func (t *transfer) Close() error {
	if t.closed.Swap(true) {
		return nil
	}
	err := t.file.Close()
	duration := time.Since(t.start)
	n := t.bytes.Load()

	t.h.logger.Info("transfer_complete",
		"protocol", "sftp",
		"user", t.h.user,
		"direction", t.direction,
		"path", t.path,
		"bytes", n,
		"duration_ms", duration.Milliseconds(),
	)
	if t.h.server.metrics != nil {
		t.h.server.metrics.RecordTransfer("sftp", t.direction, n, duration)
	}
	if errors.Is(err, os.ErrClosed) {
		return nil
	}
	return err
}
