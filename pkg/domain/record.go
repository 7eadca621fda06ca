// Package domain defines the custody record model, its lifecycle machine and the
// persistence contracts shared by every storage engine.
package domain

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// APIVersion is the schema tag stamped on every record at creation.
const APIVersion int32 = 1

// RecordState enumerates the custody lifecycle. The numeric values are part of
// the persisted and wire formats and must not be renumbered.
type RecordState int32

const (
	StateUnspecified            RecordState = 0
	StateDraft                  RecordState = 1
	StateCreated                RecordState = 2
	StateCollectClientInside    RecordState = 3
	StateCollectClientSignature RecordState = 4
	StateCollectClientOutside   RecordState = 5
	StateCollectPqrsSignature   RecordState = 6
	StateReturnClientInside     RecordState = 7
	StateReturnClientSignature  RecordState = 8
	StateReturnClientOutside    RecordState = 9
	StateReturnPqrsSignature    RecordState = 10
	StateCompleted              RecordState = 11
)

var stateNames = map[RecordState]string{
	StateUnspecified:            "Unspecified",
	StateDraft:                  "Draft",
	StateCreated:                "Created",
	StateCollectClientInside:    "CollectClientInside",
	StateCollectClientSignature: "CollectClientSignature",
	StateCollectClientOutside:   "CollectClientOutside",
	StateCollectPqrsSignature:   "CollectPqrsSignature",
	StateReturnClientInside:     "ReturnClientInside",
	StateReturnClientSignature:  "ReturnClientSignature",
	StateReturnClientOutside:    "ReturnClientOutside",
	StateReturnPqrsSignature:    "ReturnPqrsSignature",
	StateCompleted:              "Completed",
}

// States returns every persistable state in lifecycle order.
func States() []RecordState {
	return []RecordState{
		StateDraft,
		StateCreated,
		StateCollectClientInside,
		StateCollectClientSignature,
		StateCollectClientOutside,
		StateCollectPqrsSignature,
		StateReturnClientInside,
		StateReturnClientSignature,
		StateReturnClientOutside,
		StateReturnPqrsSignature,
		StateCompleted,
	}
}

func (s RecordState) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("RecordState(%d)", int32(s))
}

// Valid reports whether s may be persisted.
func (s RecordState) Valid() bool {
	return s >= StateDraft && s <= StateCompleted
}

// InCollectPhase reports whether s belongs to the Collect* family.
func (s RecordState) InCollectPhase() bool {
	return s >= StateCollectClientInside && s <= StateCollectPqrsSignature
}

// InReturnPhase reports whether s belongs to the Return* family.
func (s RecordState) InReturnPhase() bool {
	return s >= StateReturnClientInside && s <= StateReturnPqrsSignature
}

// StateFromInt32 decodes a wire or storage value. Unknown values fall back to
// StateUnspecified.
func StateFromInt32(v int32) RecordState {
	s := RecordState(v)
	if _, ok := stateNames[s]; !ok {
		return StateUnspecified
	}
	return s
}

// ParseState accepts a state name (case-insensitive) or its numeric value.
func ParseState(raw string) (RecordState, error) {
	raw = strings.TrimSpace(raw)
	for state, name := range stateNames {
		if strings.EqualFold(name, raw) {
			return state, nil
		}
	}
	if n, err := strconv.ParseInt(raw, 10, 32); err == nil {
		if s := RecordState(n); s.Valid() {
			return s, nil
		}
	}
	return StateUnspecified, fmt.Errorf("unknown record state %q", raw)
}

// MarshalJSON renders the state by name.
func (s RecordState) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// UnmarshalJSON accepts either the state name or its numeric value.
func (s *RecordState) UnmarshalJSON(data []byte) error {
	var n int32
	if err := json.Unmarshal(data, &n); err == nil {
		*s = StateFromInt32(n)
		return nil
	}
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return fmt.Errorf("decode record state: %w", err)
	}
	parsed, err := ParseState(name)
	if err != nil {
		*s = StateUnspecified
		return nil
	}
	*s = parsed
	return nil
}

// Signer is a confirming party's signature attached to a trace.
type Signer struct {
	Name      string `json:"name"`
	Signature string `json:"signature"`
}

// Trace holds the evidence gathered during one custody phase.
type Trace struct {
	InsideTime   *time.Time `json:"inside,omitempty"`
	OutsideTime  *time.Time `json:"outside,omitempty"`
	ClientSigner *Signer    `json:"client,omitempty"`
	PqrsSigner   *Signer    `json:"pqrs,omitempty"`
}

// IsZero reports whether no field of the trace has been set.
func (t *Trace) IsZero() bool {
	return t == nil || (t.InsideTime == nil && t.OutsideTime == nil && t.ClientSigner == nil && t.PqrsSigner == nil)
}

// Traces bundles the collect and return phases.
type Traces struct {
	Collected *Trace `json:"collected,omitempty"`
	Returned  *Trace `json:"returned,omitempty"`
}

// Record is the tracked custody entity.
type Record struct {
	ID         string      `json:"id"`
	APIVersion int32       `json:"apiVersion"`
	CreatedAt  *time.Time  `json:"created,omitempty"`
	Summary    string      `json:"summary"`
	State      RecordState `json:"state"`
	Traces     *Traces     `json:"traces,omitempty"`
}

// NewDraft returns an unpersisted Draft record.
func NewDraft(summary string) Record {
	return Record{APIVersion: APIVersion, Summary: summary, State: StateDraft}
}

// Clone returns a deep copy so callers can't alias stored state.
func (r Record) Clone() Record {
	out := r
	out.CreatedAt = cloneTime(r.CreatedAt)
	if r.Traces != nil {
		out.Traces = &Traces{Collected: r.Traces.Collected.clone(), Returned: r.Traces.Returned.clone()}
	}
	return out
}

func (t *Trace) clone() *Trace {
	if t == nil {
		return nil
	}
	out := &Trace{InsideTime: cloneTime(t.InsideTime), OutsideTime: cloneTime(t.OutsideTime)}
	if t.ClientSigner != nil {
		s := *t.ClientSigner
		out.ClientSigner = &s
	}
	if t.PqrsSigner != nil {
		s := *t.PqrsSigner
		out.PqrsSigner = &s
	}
	return out
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// NormalizeTime returns t in UTC truncated to millisecond precision, the
// resolution every storage engine can round-trip.
func NormalizeTime(t time.Time) time.Time {
	return t.UTC().Truncate(time.Millisecond)
}
