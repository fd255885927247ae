// Package host defines the narrow contracts the generation pipeline needs
// from its surrounding environment: durable file IO, change notification,
// scratch sandboxes, and source watching.
//
// The pipeline never reaches for the filesystem directly; everything flows
// through these interfaces so tests can substitute in-memory fakes.
package host

import (
	"io/fs"
	"os"
	"path/filepath"

	"github.com/cockroachdb/errors"
)

// FS is the file surface required by producers and the durable state store.
type FS interface {
	ReadFile(path string) ([]byte, error)
	// WriteFile persists data at path atomically (write-temp-then-rename).
	WriteFile(path string, data []byte) error
	Exists(path string) (bool, error)
	MkdirAll(path string) error
	Remove(path string) error
	ReadDir(path string) ([]fs.DirEntry, error)
}

// OSFS is the production FS backed by the operating system.
type OSFS struct{}

func (OSFS) ReadFile(path string) ([]byte, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "read %s", path)
	}
	return b, nil
}

// WriteFile writes data durably: temp file in the destination directory,
// fsync, then atomic rename. A crash mid-write leaves the old content intact.
func (OSFS) WriteFile(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrapf(err, "create dir for %s", path)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp.*")
	if err != nil {
		return errors.Wrapf(err, "create temp for %s", path)
	}
	tmpName := tmp.Name()
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
	}()

	if _, err := tmp.Write(data); err != nil {
		return errors.Wrapf(err, "write temp for %s", path)
	}
	if err := tmp.Chmod(0o644); err != nil {
		return errors.Wrapf(err, "chmod temp for %s", path)
	}
	_ = tmp.Sync() // best-effort durability
	if err := tmp.Close(); err != nil {
		return errors.Wrapf(err, "close temp for %s", path)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return errors.Wrapf(err, "commit %s", path)
	}
	return nil
}

func (OSFS) Exists(path string) (bool, error) {
	_, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, errors.Wrapf(err, "stat %s", path)
	}
	return true, nil
}

func (OSFS) MkdirAll(path string) error {
	return errors.Wrapf(os.MkdirAll(path, 0o755), "mkdir %s", path)
}

func (OSFS) Remove(path string) error {
	if err := os.RemoveAll(path); err != nil {
		return errors.Wrapf(err, "remove %s", path)
	}
	return nil
}

func (OSFS) ReadDir(path string) ([]fs.DirEntry, error) {
	entries, err := os.ReadDir(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Wrapf(err, "read dir %s", path)
	}
	return entries, nil
}
