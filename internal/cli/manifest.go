package cli

import (
	"os"
	"path/filepath"
	"sync"

	"github.com/cockroachdb/errors"
	toml "github.com/pelletier/go-toml/v2"
	"go.uber.org/zap"

	"assetweaver/internal/host"
	"assetweaver/internal/producer"
	"assetweaver/internal/script"
	"assetweaver/internal/state"
	"assetweaver/internal/unit"
)

// Manifest is the TOML description of the units a project generates.
type Manifest struct {
	Units []UnitDecl `toml:"unit"`
}

// UnitDecl declares one generatable unit.
//
// Kind selects the builtin generator: "script" renders a Go constants file
// from Members, "text" emits Content verbatim, "binary" copies the bytes of
// Source, and "asset-list" writes one output per Item into a directory.
type UnitDecl struct {
	Name      string   `toml:"name"`
	Kind      string   `toml:"kind"`
	Extension string   `toml:"extension"`
	Output    string   `toml:"output"`
	Depends   []string `toml:"depends"`
	Disabled  bool     `toml:"disabled"`
	Hidden    bool     `toml:"hidden"`

	// Script units.
	Package string       `toml:"package"`
	Members []MemberDecl `toml:"member"`

	// Text units.
	Content string `toml:"content"`

	// Binary units.
	Source string `toml:"source"`

	// Asset-list units.
	Items []ItemDecl `toml:"item"`
}

// MemberDecl is one declared member of a script unit.
type MemberDecl struct {
	Name   string `toml:"name"`
	Kind   string `toml:"kind"` // "const" (default) or "raw"
	Value  string `toml:"value"`
	Group  string `toml:"group"`
	Symbol string `toml:"symbol"`
}

// ItemDecl is one entry of an asset-list unit.
type ItemDecl struct {
	Name    string `toml:"name"`
	Kind    string `toml:"kind"`
	Source  string `toml:"source"`
	Content string `toml:"content"`
}

// LoadManifest reads and validates the TOML unit manifest at path.
func LoadManifest(path string) (*Manifest, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, &InvocationError{
			Code:    ExitConfigError,
			Message: errors.Wrap(err, "reading manifest").Error(),
		}
	}
	var m Manifest
	if err := toml.Unmarshal(b, &m); err != nil {
		return nil, &InvocationError{
			Code:    ExitConfigError,
			Message: errors.Wrapf(err, "parsing manifest %s", path).Error(),
		}
	}
	if err := m.validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

func (m *Manifest) validate() error {
	seen := map[string]struct{}{}
	for i := range m.Units {
		d := &m.Units[i]
		if d.Name == "" {
			return invalidf("manifest: unit #%d has no name", i+1)
		}
		if _, dup := seen[d.Name]; dup {
			return invalidf("manifest: duplicate unit %q", d.Name)
		}
		seen[d.Name] = struct{}{}

		switch d.Kind {
		case "script":
			if d.Package == "" {
				return invalidf("manifest: script unit %q needs a package", d.Name)
			}
			if len(d.Members) == 0 {
				return invalidf("manifest: script unit %q declares no members", d.Name)
			}
		case "text":
			if d.Content == "" {
				return invalidf("manifest: text unit %q has no content", d.Name)
			}
		case "binary":
			if d.Source == "" {
				return invalidf("manifest: binary unit %q has no source", d.Name)
			}
		case "asset-list":
			if len(d.Items) == 0 {
				return invalidf("manifest: asset-list unit %q declares no items", d.Name)
			}
		default:
			return invalidf("manifest: unit %q has unknown kind %q", d.Name, d.Kind)
		}
	}
	return nil
}

// sourceCache holds pre-read source bytes so generation does not wait on disk
// for inputs the prefetch already gathered. The prefetch goroutine writes
// while the control thread may read, hence the lock.
type sourceCache struct {
	mu   sync.RWMutex
	data map[string][]byte
}

func newSourceCache() *sourceCache {
	return &sourceCache{data: map[string][]byte{}}
}

func (c *sourceCache) get(path string) ([]byte, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	b, ok := c.data[path]
	return b, ok
}

func (c *sourceCache) put(path string, b []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[path] = b
}

// unitEnv carries what the builtin generators close over.
type unitEnv struct {
	cfg     Config
	fs      host.FS
	store   *state.Store
	sources *sourceCache
	log     *zap.Logger
}

// readSource fetches a source file, preferring the prefetched bytes.
func (env unitEnv) readSource(path string) ([]byte, error) {
	if env.sources != nil {
		if b, ok := env.sources.get(path); ok {
			return b, nil
		}
	}
	return env.fs.ReadFile(path)
}

// Register materializes every declared unit into the registry, wiring the
// builtin generator for its kind and pre-recording declared dependencies.
func (m *Manifest) Register(reg *unit.Registry, env unitEnv) error {
	for i := range m.Units {
		d := m.Units[i]
		u := &unit.Unit{
			Name:      d.Name,
			Extension: d.Extension,
		}
		if d.Output != "" {
			p, err := resolveUnder(env.cfg.WorkDir, d.Output)
			if err != nil {
				return errors.Wrapf(err, "unit %q output", d.Name)
			}
			u.OutputPath = p
		}
		if d.Disabled {
			u.WhenGenerate = func() bool { return false }
		}
		if d.Hidden {
			u.WhenShow = func() bool { return false }
		}

		switch d.Kind {
		case "script":
			u.Kind = "text"
			u.Generate = scriptGenerator(d, env)
		case "text":
			u.Kind = "text"
			u.Generate = textGenerator(d)
		case "binary":
			u.Kind = "binary"
			u.Generate = binaryGenerator(d, env)
		case "asset-list":
			u.Kind = "list"
			u.Generate = listGenerator(d, env)
		}
		u.SetDependencies(d.Depends)

		if err := reg.Add(u); err != nil {
			return err
		}
	}
	return nil
}

// scriptGenerator renders a constants script through the member builder, with
// the retention policy and incremental-rebuild decision driven by the
// manifest persisted after the last successful build.
func scriptGenerator(d UnitDecl, env unitEnv) unit.Generator {
	return func(inv *unit.Invocation) (any, error) {
		b := script.NewBuilder(d.Name, inv.Log)
		b.Retain = !env.cfg.NoRetain
		b.Force = env.cfg.Force
		for _, mem := range d.Members {
			kind := script.ElementConst
			if mem.Kind == "raw" {
				kind = script.ElementRaw
			}
			b.Add(script.Element{
				Name:   mem.Name,
				Kind:   kind,
				Value:  mem.Value,
				Group:  mem.Group,
				Symbol: mem.Symbol,
			})
		}

		var prev *script.Manifest
		if st, ok, err := env.store.LoadUnit(d.Name); err != nil {
			return nil, err
		} else if ok {
			prev = st.Manifest
		}

		onDisk, readErr := env.fs.ReadFile(inv.Path)
		exists := readErr == nil

		if !b.ShouldBuild(prev, exists) {
			env.log.Debug("script up to date", zap.String("unit", d.Name))
			m := *prev
			inv.Manifest = &m
			return string(onDisk), nil
		}

		els := b.Effective(prev)
		script.AppendScript(inv.Text, d.Package, els)
		m := script.ManifestFor(els)
		inv.Manifest = &m
		return nil, nil
	}
}

func textGenerator(d UnitDecl) unit.Generator {
	return func(inv *unit.Invocation) (any, error) {
		inv.Text.WriteString(d.Content)
		return nil, nil
	}
}

func binaryGenerator(d UnitDecl, env unitEnv) unit.Generator {
	return func(inv *unit.Invocation) (any, error) {
		src, err := resolveUnder(env.cfg.WorkDir, d.Source)
		if err != nil {
			return nil, errors.Wrapf(err, "unit %q source", d.Name)
		}
		b, err := env.readSource(src)
		if err != nil {
			return nil, errors.Wrapf(err, "reading source for unit %q", d.Name)
		}
		return b, nil
	}
}

func listGenerator(d UnitDecl, env unitEnv) unit.Generator {
	return func(inv *unit.Invocation) (any, error) {
		items := make([]producer.Item, 0, len(d.Items))
		for _, it := range d.Items {
			item := producer.Item{Name: it.Name, Kind: unit.Kind(it.Kind)}
			switch {
			case it.Source != "":
				src, err := resolveUnder(env.cfg.WorkDir, it.Source)
				if err != nil {
					return nil, errors.Wrapf(err, "item %q source", it.Name)
				}
				b, err := env.readSource(src)
				if err != nil {
					return nil, errors.Wrapf(err, "reading source for item %q", it.Name)
				}
				item.Value = b
			default:
				item.Value = it.Content
			}
			items = append(items, item)
		}
		return items, nil
	}
}

// sourcePaths lists every on-disk input the manifest's units read, for the
// watch mode's watch list. The manifest file itself is always included.
func (m *Manifest) sourcePaths(cfg Config) []string {
	return dedupe(append([]string{cfg.Manifest}, m.unitSourcePaths(cfg)...))
}

// unitSourcePaths lists the units' own source inputs, without the manifest.
func (m *Manifest) unitSourcePaths(cfg Config) []string {
	var paths []string
	add := func(p string) {
		if p == "" {
			return
		}
		if resolved, err := resolveUnder(cfg.WorkDir, p); err == nil {
			paths = append(paths, resolved)
		}
	}
	for _, d := range m.Units {
		add(d.Source)
		for _, it := range d.Items {
			add(it.Source)
		}
	}
	return dedupe(paths)
}

func dedupe(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := in[:0]
	for _, p := range in {
		p = filepath.Clean(p)
		if _, dup := seen[p]; dup {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	return out
}
