package producer

import (
	"path/filepath"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"assetweaver/internal/host"
	"assetweaver/internal/unit"
)

// Node is one element of a composite output hierarchy. A leaf carries file
// data; an interior node becomes a directory of its children.
type Node struct {
	Name string
	Data []byte

	// NotEditable marks intermediate objects that must not survive as
	// persisted outputs as-is; Save strips the marker while persisting.
	NotEditable bool

	Children []*Node
}

// Composite produces hierarchical outputs. Its generators build Node trees
// using intermediate objects, which is why it is the producer that requires
// the scratch sandbox.
type Composite struct {
	FS     host.FS
	Notify host.Notifier
	Log    *zap.Logger
}

func (Composite) Kind() unit.Kind { return "composite" }
func (Composite) DefaultExtension() string { return "" }
func (Composite) RequiresScratch(*unit.Unit) bool { return true }

func (Composite) Invoke(inv *unit.Invocation, u *unit.Unit) (any, error) {
	if inv.Scratch == "" {
		return nil, errors.Newf("composite generator for %q requires a scratch sandbox", u.Name)
	}
	return u.Generate(inv)
}

// Save persists the node tree rooted at path and reports whether nested
// outputs were written. Not-editable markers are stripped as nodes persist.
func (p Composite) Save(res any, path string) (bool, error) {
	switch root := res.(type) {
	case nil:
		return false, nil
	case *Node:
		if err := p.saveNode(root, path); err != nil {
			return false, err
		}
		return len(root.Children) > 0, nil
	default:
		return false, errors.Newf("composite save at %s: unsupported value %T", path, res)
	}
}

func (p Composite) saveNode(n *Node, path string) error {
	n.NotEditable = false

	if len(n.Children) == 0 {
		if err := p.FS.WriteFile(path, n.Data); err != nil {
			return err
		}
		if p.Notify != nil {
			p.Notify.Changed(path)
		}
		return nil
	}

	if err := p.FS.MkdirAll(path); err != nil {
		return err
	}
	for _, child := range n.Children {
		if child.Name == "" {
			return errors.Newf("composite save at %s: child with empty name", path)
		}
		if err := p.saveNode(child, filepath.Join(path, child.Name)); err != nil {
			return err
		}
	}
	return nil
}
