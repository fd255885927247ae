// Package state persists the pipeline's durable facts under
//
//	<baseDir>/.weaver/units/<unit>.json
//	<baseDir>/.weaver/sessions/<session-id>.json
//
// Per unit it stores the recorded dependency list, the has-sub-outputs flag,
// and the script member manifest from the last successful build. All writes
// go through the host filesystem's atomic commit.
package state

import (
	"encoding/json"
	"path/filepath"
	"sort"
	"strings"

	"github.com/cockroachdb/errors"

	"assetweaver/internal/host"
	"assetweaver/internal/script"
)

// UnitState is the durable record for one generatable unit.
type UnitState struct {
	// Dependencies are the recorded dependency names in discovery order.
	Dependencies []string `json:"dependencies"`

	// HasSubOutputs records whether the last save wrote nested outputs.
	HasSubOutputs bool `json:"has_sub_outputs"`

	// OutputPath is the resolved output location after the last generation.
	OutputPath string `json:"output_path,omitempty"`

	// Manifest is the member manifest of the last successful script build,
	// nil for non-script units.
	Manifest *script.Manifest `json:"manifest,omitempty"`
}

// Store is the durable state store. Writes are single-writer by the
// pipeline's single-control-thread model.
type Store struct {
	baseDir string
	fs      host.FS
}

// NewStore creates a store rooted at baseDir.
func NewStore(baseDir string, fs host.FS) (*Store, error) {
	if strings.TrimSpace(baseDir) == "" {
		return nil, errors.New("state: baseDir is required")
	}
	if fs == nil {
		fs = host.OSFS{}
	}
	return &Store{baseDir: baseDir, fs: fs}, nil
}

func (s *Store) unitsDir() string    { return filepath.Join(s.baseDir, ".weaver", "units") }
func (s *Store) sessionsDir() string { return filepath.Join(s.baseDir, ".weaver", "sessions") }

func (s *Store) unitPath(name string) string {
	return filepath.Join(s.unitsDir(), name+".json")
}

// LoadUnit reads the persisted state for name. The second return is false
// when no record exists.
func (s *Store) LoadUnit(name string) (UnitState, bool, error) {
	var st UnitState
	if strings.TrimSpace(name) == "" {
		return st, false, errors.New("state: unit name is required")
	}
	ok, err := s.fs.Exists(s.unitPath(name))
	if err != nil {
		return st, false, err
	}
	if !ok {
		return st, false, nil
	}
	b, err := s.fs.ReadFile(s.unitPath(name))
	if err != nil {
		return st, false, err
	}
	if err := json.Unmarshal(b, &st); err != nil {
		return st, false, errors.Wrapf(err, "parse unit state %q", name)
	}
	return st, true, nil
}

// SaveUnit writes the state record for name atomically.
func (s *Store) SaveUnit(name string, st UnitState) error {
	if strings.TrimSpace(name) == "" {
		return errors.New("state: unit name is required")
	}
	b, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return errors.Wrapf(err, "marshal unit state %q", name)
	}
	return s.fs.WriteFile(s.unitPath(name), b)
}

// RemoveUnit deletes name's record and strips the name from every other
// unit's dependency list, so removal cascades instead of leaving dangling
// references.
func (s *Store) RemoveUnit(name string) error {
	if err := s.fs.Remove(s.unitPath(name)); err != nil {
		return err
	}
	others, err := s.ListUnitNames()
	if err != nil {
		return err
	}
	for _, other := range others {
		st, ok, err := s.LoadUnit(other)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		kept := st.Dependencies[:0]
		removed := false
		for _, d := range st.Dependencies {
			if d == name {
				removed = true
				continue
			}
			kept = append(kept, d)
		}
		if !removed {
			continue
		}
		st.Dependencies = kept
		if err := s.SaveUnit(other, st); err != nil {
			return err
		}
	}
	return nil
}

// ListUnitNames returns the names with persisted records, sorted.
func (s *Store) ListUnitNames() ([]string, error) {
	entries, err := s.fs.ReadDir(s.unitsDir())
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		names = append(names, strings.TrimSuffix(e.Name(), ".json"))
	}
	sort.Strings(names)
	return names, nil
}

// SaveSession persists a session journal blob.
func (s *Store) SaveSession(id string, data []byte) error {
	if strings.TrimSpace(id) == "" {
		return errors.New("state: session id is required")
	}
	return s.fs.WriteFile(filepath.Join(s.sessionsDir(), id+".json"), data)
}

// LoadSession reads a persisted session journal.
func (s *Store) LoadSession(id string) ([]byte, error) {
	return s.fs.ReadFile(filepath.Join(s.sessionsDir(), id+".json"))
}

// ListSessionIDs returns persisted session ids, sorted lexicographically.
func (s *Store) ListSessionIDs() ([]string, error) {
	entries, err := s.fs.ReadDir(s.sessionsDir())
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		ids = append(ids, strings.TrimSuffix(e.Name(), ".json"))
	}
	sort.Strings(ids)
	return ids, nil
}
