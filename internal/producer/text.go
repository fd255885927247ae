package producer

import (
	"bytes"
	"strings"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"assetweaver/internal/host"
	"assetweaver/internal/unit"
)

// Text produces whole-file text outputs.
//
// Calling convention: the generator receives a fresh text buffer on the
// invocation and either fills it (returning nil) or returns the full content
// as a string. Persistence happens inside Invoke; Save only handles the
// list-element delegation case.
type Text struct {
	FS     host.FS
	Notify host.Notifier
	Log    *zap.Logger
}

func (Text) Kind() unit.Kind { return "text" }
func (Text) DefaultExtension() string { return ".gen.go" }
func (Text) RequiresScratch(*unit.Unit) bool { return false }

func (p Text) Invoke(inv *unit.Invocation, u *unit.Unit) (any, error) {
	inv.Text = &strings.Builder{}
	res, err := u.Generate(inv)
	if err != nil {
		return nil, err
	}

	var content string
	switch v := res.(type) {
	case nil:
		content = inv.Text.String()
	case string:
		content = v
	default:
		return nil, errors.Newf("text generator for %q returned %T, want string or nil", u.Name, res)
	}

	if err := p.writeIfChanged(inv.Path, []byte(content)); err != nil {
		return nil, err
	}
	return nil, nil
}

// Save is a placeholder for unit-level saves (Invoke already persisted) and
// the write path for list elements carrying text values.
func (p Text) Save(res any, path string) (bool, error) {
	switch v := res.(type) {
	case nil:
		return false, nil
	case string:
		return false, p.writeIfChanged(path, []byte(v))
	case []byte:
		return false, p.writeIfChanged(path, v)
	default:
		return false, errors.Newf("text save at %s: unsupported value %T", path, res)
	}
}

// writeIfChanged skips the write and the change notification when the bytes
// on disk are already identical, so an unchanged regeneration never touches
// the host.
func (p Text) writeIfChanged(path string, data []byte) error {
	if existing, err := p.FS.ReadFile(path); err == nil && bytes.Equal(existing, data) {
		if p.Log != nil {
			p.Log.Debug("output unchanged, skipping write", zap.String("path", path))
		}
		return nil
	}
	if err := p.FS.WriteFile(path, data); err != nil {
		return err
	}
	if p.Notify != nil {
		p.Notify.Changed(path)
	}
	return nil
}
