package storage

import (
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// directRoot resolves virtual paths against the native directory path.
// Each operation checks that the resolved location, with symlinks
// followed, stays inside the root.
type directRoot struct {
	path string
}

func newDirectRoot(path string) *directRoot {
	return &directRoot{path: path}
}

func (r *directRoot) Path() string       { return r.path }
func (r *directRoot) Strategy() Strategy { return Direct }
func (r *directRoot) Close() error       { return nil }

// native returns the native path for name after verifying it does not
// escape the root. For names that do not exist yet, the parent directory
// is checked instead.
func (r *directRoot) native(name string) (string, error) {
	full := filepath.Join(r.path, filepath.FromSlash(Clean(name)))

	resolved, err := filepath.EvalSymlinks(full)
	if err != nil {
		if !os.IsNotExist(err) {
			return "", sanitize(err)
		}
		parent, perr := filepath.EvalSymlinks(filepath.Dir(full))
		if perr != nil {
			if os.IsNotExist(perr) {
				return full, nil
			}
			return "", sanitize(perr)
		}
		resolved = filepath.Join(parent, filepath.Base(full))
	}

	if !r.within(resolved) {
		return "", os.ErrPermission
	}
	return full, nil
}

func (r *directRoot) within(resolved string) bool {
	if resolved == r.path {
		return true
	}
	prefix := r.path
	if !strings.HasSuffix(prefix, string(filepath.Separator)) {
		prefix += string(filepath.Separator)
	}
	return strings.HasPrefix(resolved, prefix)
}

// sanitize drops the absolute path from errors so it is not leaked to
// clients.
func sanitize(err error) error {
	switch {
	case os.IsNotExist(err):
		return os.ErrNotExist
	case os.IsPermission(err):
		return os.ErrPermission
	case os.IsExist(err):
		return os.ErrExist
	}
	return err
}

func (r *directRoot) Stat(name string) (fs.FileInfo, error) {
	full, err := r.native(name)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(full)
	if err != nil {
		return nil, sanitize(err)
	}
	return info, nil
}

func (r *directRoot) Lstat(name string) (fs.FileInfo, error) {
	full, err := r.native(name)
	if err != nil {
		return nil, err
	}
	info, err := os.Lstat(full)
	if err != nil {
		return nil, sanitize(err)
	}
	return info, nil
}

func (r *directRoot) ReadDir(name string) ([]fs.FileInfo, error) {
	full, err := r.native(name)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(full)
	if err != nil {
		return nil, sanitize(err)
	}
	return readDirInfos(entries), nil
}

func (r *directRoot) OpenFile(name string, flag int, perm fs.FileMode) (File, error) {
	full, err := r.native(name)
	if err != nil {
		return nil, err
	}
	f, err := os.OpenFile(full, flag, perm)
	if err != nil {
		return nil, sanitize(err)
	}
	return f, nil
}

func (r *directRoot) Mkdir(name string, perm fs.FileMode) error {
	full, err := r.native(name)
	if err != nil {
		return err
	}
	return sanitize(os.Mkdir(full, perm))
}

func (r *directRoot) Remove(name string) error {
	if Clean(name) == "." {
		return os.ErrPermission
	}
	full, err := r.native(name)
	if err != nil {
		return err
	}
	return sanitize(os.Remove(full))
}

func (r *directRoot) Rename(oldname, newname string) error {
	src, err := r.native(oldname)
	if err != nil {
		return err
	}
	dst, err := r.native(newname)
	if err != nil {
		return err
	}
	return sanitize(os.Rename(src, dst))
}

func (r *directRoot) Chmod(name string, mode fs.FileMode) error {
	full, err := r.native(name)
	if err != nil {
		return err
	}
	return sanitize(os.Chmod(full, mode))
}

func (r *directRoot) Chtimes(name string, atime, mtime time.Time) error {
	full, err := r.native(name)
	if err != nil {
		return err
	}
	return sanitize(os.Chtimes(full, atime, mtime))
}

func (r *directRoot) Truncate(name string, size int64) error {
	full, err := r.native(name)
	if err != nil {
		return err
	}
	return sanitize(os.Truncate(full, size))
}
