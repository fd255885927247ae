package producer

import (
	"path/filepath"
	"sort"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"assetweaver/internal/host"
	"assetweaver/internal/unit"
)

// Item is one element of a list output: a named value delegated to the
// producer registered for its kind.
type Item struct {
	Name  string
	Kind  unit.Kind
	Value any
}

// List produces a directory of named outputs, one per item.
//
// Per-item persistence delegates to the producer resolved for the item's
// kind (most-derived registered kind wins, falling back up the hierarchy).
// Items whose kind has no producer are skipped with a warning, never failing
// the batch.
//
// Old outputs whose names no longer appear among the new items are deleted
// strictly after the entire new batch is written, so a failure mid-batch can
// never lose data that was not superseded.
type List struct {
	FS     host.FS
	Notify host.Notifier
	Log    *zap.Logger

	// Resolve looks up the producer for an item kind; wired to the
	// registry's capability lookup.
	Resolve func(unit.Kind) (unit.Producer, error)
}

func (List) Kind() unit.Kind { return "list" }
func (List) DefaultExtension() string { return "" }
func (List) RequiresScratch(*unit.Unit) bool { return false }

func (List) Invoke(inv *unit.Invocation, u *unit.Unit) (any, error) {
	return u.Generate(inv)
}

func (p List) Save(res any, path string) (bool, error) {
	var items []Item
	switch v := res.(type) {
	case nil:
		return false, nil
	case []Item:
		items = v
	default:
		return false, errors.Newf("list save at %s: unsupported value %T", path, res)
	}
	if p.Resolve == nil {
		return false, errors.New("list producer has no kind resolver")
	}

	// Identities of the old outputs, by name, captured before writing.
	old := map[string]struct{}{}
	entries, err := p.FS.ReadDir(path)
	if err != nil {
		return false, err
	}
	for _, e := range entries {
		old[e.Name()] = struct{}{}
	}

	if err := p.FS.MkdirAll(path); err != nil {
		return false, err
	}

	written := map[string]struct{}{}
	for _, item := range items {
		if item.Name == "" {
			return false, errors.Newf("list save at %s: item with empty name", path)
		}
		elem, err := p.Resolve(item.Kind)
		if err != nil {
			if errors.Is(err, unit.ErrNoProducer) {
				if p.Log != nil {
					p.Log.Warn("skipping list item with unregistered kind",
						zap.String("item", item.Name),
						zap.String("kind", item.Kind.String()))
				}
				continue
			}
			return false, err
		}

		name := item.Name
		if filepath.Ext(name) == "" && elem.DefaultExtension() != "" {
			name += elem.DefaultExtension()
		}
		if _, err := elem.Save(item.Value, filepath.Join(path, name)); err != nil {
			return false, err
		}
		written[name] = struct{}{}
	}

	// Cleanup runs only once every new output is on disk.
	stale := make([]string, 0)
	for name := range old {
		if _, kept := written[name]; !kept {
			stale = append(stale, name)
		}
	}
	sort.Strings(stale)
	for _, name := range stale {
		if err := p.FS.Remove(filepath.Join(path, name)); err != nil {
			return false, err
		}
		if p.Log != nil {
			p.Log.Info("deleted stale list output",
				zap.String("list", path),
				zap.String("name", name))
		}
	}

	if p.Notify != nil && (len(written) > 0 || len(stale) > 0) {
		p.Notify.Changed(path)
	}
	return len(written) > 0, nil
}
