package storage

import (
	"io/fs"
	"os"
	"time"
)

// sandboxedRoot confines every operation with os.Root, so symlinks and
// ".." cannot leave the directory even if it changes underneath us.
type sandboxedRoot struct {
	root *os.Root
	path string
}

func (r *sandboxedRoot) Path() string       { return r.path }
func (r *sandboxedRoot) Strategy() Strategy { return Sandboxed }
func (r *sandboxedRoot) Close() error       { return r.root.Close() }

func (r *sandboxedRoot) Stat(name string) (fs.FileInfo, error) {
	return r.root.Stat(Clean(name))
}

func (r *sandboxedRoot) Lstat(name string) (fs.FileInfo, error) {
	return r.root.Lstat(Clean(name))
}

func (r *sandboxedRoot) ReadDir(name string) ([]fs.FileInfo, error) {
	f, err := r.root.Open(Clean(name))
	if err != nil {
		return nil, err
	}
	defer f.Close()

	entries, err := f.ReadDir(-1)
	if err != nil {
		return nil, err
	}
	return readDirInfos(entries), nil
}

func (r *sandboxedRoot) OpenFile(name string, flag int, perm fs.FileMode) (File, error) {
	f, err := r.root.OpenFile(Clean(name), flag, perm)
	if err != nil {
		return nil, err
	}
	return f, nil
}

func (r *sandboxedRoot) Mkdir(name string, perm fs.FileMode) error {
	return r.root.Mkdir(Clean(name), perm)
}

func (r *sandboxedRoot) Remove(name string) error {
	rel := Clean(name)
	if rel == "." {
		return os.ErrPermission
	}
	return r.root.Remove(rel)
}

func (r *sandboxedRoot) Rename(oldname, newname string) error {
	return r.root.Rename(Clean(oldname), Clean(newname))
}

func (r *sandboxedRoot) Chmod(name string, mode fs.FileMode) error {
	return r.root.Chmod(Clean(name), mode)
}

func (r *sandboxedRoot) Chtimes(name string, atime, mtime time.Time) error {
	return r.root.Chtimes(Clean(name), atime, mtime)
}

// Truncate goes through an open handle; os.Root has no Truncate.
func (r *sandboxedRoot) Truncate(name string, size int64) error {
	f, err := r.root.OpenFile(Clean(name), os.O_WRONLY, 0)
	if err != nil {
		return err
	}
	defer f.Close()
	return f.Truncate(size)
}
