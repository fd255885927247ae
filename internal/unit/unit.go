package unit

import (
	"path/filepath"
	"strings"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"assetweaver/internal/script"
)

// Generator is a registered generator function. It receives the invocation
// context and returns the produced value under the owning producer's calling
// convention (see Producer.Invoke).
type Generator func(inv *Invocation) (any, error)

// Invocation carries everything a generator may touch while it runs.
//
// Access is owned by the session: every read of another unit's output must go
// through it so the dependency-discovery protocol can observe the access.
type Invocation struct {
	// Path is the resolved destination for this generation pass.
	Path string

	// Scratch is the sandbox root, or "" when the producer declared no need.
	Scratch string

	// Text is the output buffer for text-convention generators. Producers
	// that use a different convention leave it nil.
	Text *strings.Builder

	// Access resolves another unit by name, recording the dependency.
	Access func(name string) (*Unit, error)

	// Manifest, when set by a script generator, is the member manifest the
	// session persists after a successful pass so the next pass can make its
	// rebuild decision.
	Manifest *script.Manifest

	Log *zap.Logger
}

// Dependency is the generator-facing dependency read. It exists so generator
// code reads naturally; it simply routes through the session's Access hook.
func (inv *Invocation) Dependency(name string) (*Unit, error) {
	if inv.Access == nil {
		return nil, errors.New("dependency access outside an active generation pass")
	}
	return inv.Access(name)
}

// Unit is one generatable output: the declaring slot name, the producer kind,
// the generator, and the predicates deciding when it participates.
type Unit struct {
	// Name is the stable declaring-slot identifier.
	Name string

	// Kind selects the producer.
	Kind Kind

	// Extension overrides the producer's default file extension when set.
	Extension string

	// Generate produces the unit's content.
	Generate Generator

	// WhenGenerate gates session participation. Nil means always.
	WhenGenerate func() bool

	// WhenShow gates listing/visibility, independent of generation. Nil
	// means always.
	WhenShow func() bool

	// OutputPath is the resolved output location, "" until first generation.
	OutputPath string

	deps          []string
	hasSubOutputs bool
}

// ShouldGenerate evaluates the participation predicate. Side-effect free.
func (u *Unit) ShouldGenerate() bool {
	if u.WhenGenerate == nil {
		return true
	}
	return u.WhenGenerate()
}

// ShouldShow evaluates the visibility predicate.
func (u *Unit) ShouldShow() bool {
	if u.WhenShow == nil {
		return true
	}
	return u.WhenShow()
}

// Dependencies returns the recorded dependency names in recorded order.
func (u *Unit) Dependencies() []string {
	return append([]string(nil), u.deps...)
}

// HasDependency reports whether name is recorded.
func (u *Unit) HasDependency(name string) bool {
	for _, d := range u.deps {
		if d == name {
			return true
		}
	}
	return false
}

// RecordDependency appends name if not recorded yet, preserving discovery
// order. It reports whether the set changed.
func (u *Unit) RecordDependency(name string) bool {
	if u.HasDependency(name) {
		return false
	}
	u.deps = append(u.deps, name)
	return true
}

// RemoveDependency drops name from the recorded set.
func (u *Unit) RemoveDependency(name string) bool {
	for i, d := range u.deps {
		if d == name {
			u.deps = append(u.deps[:i], u.deps[i+1:]...)
			return true
		}
	}
	return false
}

// SetDependencies replaces the recorded set (used when loading persisted
// state at startup).
func (u *Unit) SetDependencies(deps []string) {
	u.deps = append([]string(nil), deps...)
}

// HasSubOutputs reports whether the last save produced nested outputs.
func (u *Unit) HasSubOutputs() bool { return u.hasSubOutputs }

// SetHasSubOutputs restores the persisted flag at startup.
func (u *Unit) SetHasSubOutputs(v bool) { u.hasSubOutputs = v }

// DestinationPath resolves where this pass writes.
//
// A unit that generated before keeps its resolved location. Otherwise the
// path is synthesized from the configured output directory, the unit name,
// and the explicit or producer-default extension.
func (u *Unit) DestinationPath(outputDir string, p Producer) (string, error) {
	if u.OutputPath != "" {
		return u.OutputPath, nil
	}
	if strings.TrimSpace(outputDir) == "" {
		return "", errors.New("output directory is not configured")
	}
	ext := u.Extension
	if ext == "" && p != nil {
		ext = p.DefaultExtension()
	}
	if ext != "" && !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	return filepath.Join(outputDir, u.Name+ext), nil
}

// GenerateAndSave is the atomic unit of work: invoke the generator through
// the producer, persist the result, and update the resolved output location.
//
// Generator errors propagate uncaught. Persisting the dependency set is the
// caller's responsibility, after it decides the pass succeeded.
func (u *Unit) GenerateAndSave(inv *Invocation, p Producer, path string) error {
	if p == nil {
		return errors.Newf("unit %q: no producer", u.Name)
	}
	if u.Generate == nil {
		return errors.Newf("unit %q: no generator registered", u.Name)
	}

	res, err := p.Invoke(inv, u)
	if err != nil {
		return err
	}

	hasSub, err := p.Save(res, path)
	if err != nil {
		return err
	}

	u.OutputPath = path
	u.hasSubOutputs = hasSub
	return nil
}
