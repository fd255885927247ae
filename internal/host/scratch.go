package host

import (
	"os"

	"github.com/cockroachdb/errors"
)

// ScratchProvider creates and destroys the disposable sandbox some producers
// need while their generator runs (a place to materialize and tear down
// intermediate objects without touching real outputs).
//
// The session guarantees Acquire is called at most once per generation session
// and that every acquired sandbox is released on every exit path.
type ScratchProvider interface {
	// Acquire returns the root path of a fresh, empty sandbox.
	Acquire() (string, error)
	// Release destroys the sandbox at root. Releasing an already-released
	// sandbox is an error.
	Release(root string) error
}

// TempScratch provides sandboxes as temporary directories.
type TempScratch struct {
	// Parent is the directory temp sandboxes are created under.
	// Empty means the system temp directory.
	Parent string
}

func (t TempScratch) Acquire() (string, error) {
	dir, err := os.MkdirTemp(t.Parent, "weaver-scratch-*")
	if err != nil {
		return "", errors.Wrap(err, "acquire scratch sandbox")
	}
	return dir, nil
}

func (t TempScratch) Release(root string) error {
	if root == "" {
		return errors.New("release: empty sandbox root")
	}
	if _, err := os.Stat(root); err != nil {
		return errors.Wrapf(err, "release sandbox %s", root)
	}
	return errors.Wrapf(os.RemoveAll(root), "release sandbox %s", root)
}
