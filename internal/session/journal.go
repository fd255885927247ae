package session

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"github.com/cockroachdb/errors"
)

// EventKind is the stable discriminator for journal events. The string values
// are part of the persisted bytes; do not rename.
type EventKind string

const (
	EventPlanned              EventKind = "Planned"
	EventCycleBroken          EventKind = "CycleBroken"
	EventUnitGenerated        EventKind = "UnitGenerated"
	EventUnitFailed           EventKind = "UnitFailed"
	EventUnitSkipped          EventKind = "UnitSkipped"
	EventDependencyDiscovered EventKind = "DependencyDiscovered"
	EventDependencyPruned     EventKind = "DependencyPruned"
	EventReplan               EventKind = "Replan"
	EventScratchAcquired      EventKind = "ScratchAcquired"
	EventScratchReleased      EventKind = "ScratchReleased"
	EventSessionComplete      EventKind = "SessionComplete"
	EventSessionAborted       EventKind = "SessionAborted"
)

// Event is one logical decision or transition recorded for a session.
// Events carry no timestamps or runtime-dependent values, so the persisted
// journal of a deterministic run is itself deterministic.
type Event struct {
	Kind   EventKind `json:"kind"`
	Unit   string    `json:"unit,omitempty"`
	Cause  string    `json:"cause,omitempty"`
	Detail string    `json:"detail,omitempty"`
}

// Journal is the ordered record of what one generation session decided.
type Journal struct {
	SessionID string  `json:"session_id"`
	Events    []Event `json:"events"`
}

// NewJournal creates an empty journal for the given session.
func NewJournal(sessionID string) *Journal {
	return &Journal{SessionID: sessionID}
}

// Append records one event.
func (j *Journal) Append(ev Event) {
	j.Events = append(j.Events, ev)
}

// CanonicalJSON serializes the journal with a fixed field order.
func (j *Journal) CanonicalJSON() ([]byte, error) {
	b, err := json.MarshalIndent(j, "", "  ")
	if err != nil {
		return nil, errors.Wrap(err, "marshal journal")
	}
	return b, nil
}

// PlanHash is the stable identity of an ordered execution plan. Each name is
// length-prefixed before hashing so distinct plans can never collide by
// concatenation.
func PlanHash(plan []string) string {
	h := sha256.New()
	for _, name := range plan {
		var lead [8]byte
		n := uint64(len(name))
		for i := 0; i < 8; i++ {
			lead[i] = byte(n >> (56 - 8*i))
		}
		h.Write(lead[:])
		h.Write([]byte(name))
	}
	return hex.EncodeToString(h.Sum(nil))
}
