package domain

import (
	"fmt"
	"strings"
	"time"
)

// Operation names one forward step of the custody lifecycle.
type Operation int

const (
	OpSubmitDraft Operation = iota + 1
	OpCollectClientInside
	OpCollectClientSignature
	OpCollectClientOutside
	OpCollectPqrsSignature
	OpReturnClientInside
	OpReturnClientSignature
	OpReturnClientOutside
	OpReturnPqrsSignature
	OpComplete
)

var operationNames = map[Operation]string{
	OpSubmitDraft:            "SubmitDraft",
	OpCollectClientInside:    "CollectClientInside",
	OpCollectClientSignature: "CollectClientSignature",
	OpCollectClientOutside:   "CollectClientOutside",
	OpCollectPqrsSignature:   "CollectPqrsSignature",
	OpReturnClientInside:     "ReturnClientInside",
	OpReturnClientSignature:  "ReturnClientSignature",
	OpReturnClientOutside:    "ReturnClientOutside",
	OpReturnPqrsSignature:    "ReturnPqrsSignature",
	OpComplete:               "Complete",
}

func (op Operation) String() string {
	if name, ok := operationNames[op]; ok {
		return name
	}
	return fmt.Sprintf("Operation(%d)", int(op))
}

// Field identifies the single record field a transition writes.
type Field int

const (
	FieldNone Field = iota
	FieldCreatedAt
	FieldCollectedInside
	FieldCollectedClientSigner
	FieldCollectedOutside
	FieldCollectedPqrsSigner
	FieldReturnedInside
	FieldReturnedClientSigner
	FieldReturnedOutside
	FieldReturnedPqrsSigner
)

// Payload describes what kind of value a field carries.
type Payload int

const (
	PayloadNone Payload = iota
	PayloadTime
	PayloadSigner
)

// Payload returns the value kind written to f.
func (f Field) Payload() Payload {
	switch f {
	case FieldCreatedAt, FieldCollectedInside, FieldCollectedOutside, FieldReturnedInside, FieldReturnedOutside:
		return PayloadTime
	case FieldCollectedClientSigner, FieldCollectedPqrsSigner, FieldReturnedClientSigner, FieldReturnedPqrsSigner:
		return PayloadSigner
	default:
		return PayloadNone
	}
}

// Phase returns "collected", "returned" or "" for fields outside traces.
func (f Field) Phase() string {
	switch f {
	case FieldCollectedInside, FieldCollectedClientSigner, FieldCollectedOutside, FieldCollectedPqrsSigner:
		return "collected"
	case FieldReturnedInside, FieldReturnedClientSigner, FieldReturnedOutside, FieldReturnedPqrsSigner:
		return "returned"
	default:
		return ""
	}
}

// Party returns "client" or "pqrs" for signer fields.
func (f Field) Party() string {
	switch f {
	case FieldCollectedClientSigner, FieldReturnedClientSigner:
		return "client"
	case FieldCollectedPqrsSigner, FieldReturnedPqrsSigner:
		return "pqrs"
	default:
		return ""
	}
}

// Transition is one row of the lifecycle table.
type Transition struct {
	Op       Operation
	Requires RecordState
	Results  RecordState
	Field    Field
}

var transitions = map[Operation]Transition{
	OpSubmitDraft:            {OpSubmitDraft, StateDraft, StateCreated, FieldCreatedAt},
	OpCollectClientInside:    {OpCollectClientInside, StateCreated, StateCollectClientInside, FieldCollectedInside},
	OpCollectClientSignature: {OpCollectClientSignature, StateCollectClientInside, StateCollectClientSignature, FieldCollectedClientSigner},
	OpCollectClientOutside:   {OpCollectClientOutside, StateCollectClientSignature, StateCollectClientOutside, FieldCollectedOutside},
	OpCollectPqrsSignature:   {OpCollectPqrsSignature, StateCollectClientOutside, StateCollectPqrsSignature, FieldCollectedPqrsSigner},
	OpReturnClientInside:     {OpReturnClientInside, StateCollectPqrsSignature, StateReturnClientInside, FieldReturnedInside},
	OpReturnClientSignature:  {OpReturnClientSignature, StateReturnClientInside, StateReturnClientSignature, FieldReturnedClientSigner},
	OpReturnClientOutside:    {OpReturnClientOutside, StateReturnClientSignature, StateReturnClientOutside, FieldReturnedOutside},
	OpReturnPqrsSignature:    {OpReturnPqrsSignature, StateReturnClientOutside, StateReturnPqrsSignature, FieldReturnedPqrsSigner},
	OpComplete:               {OpComplete, StateReturnPqrsSignature, StateCompleted, FieldNone},
}

// Transitions returns the lifecycle table in lifecycle order.
func Transitions() []Transition {
	out := make([]Transition, 0, len(transitions))
	for op := OpSubmitDraft; op <= OpComplete; op++ {
		out = append(out, transitions[op])
	}
	return out
}

// LookupTransition returns the table row for op.
func LookupTransition(op Operation) (Transition, bool) {
	t, ok := transitions[op]
	return t, ok
}

// Successor returns the state reached from s, if any.
func Successor(s RecordState) (RecordState, bool) {
	for _, t := range transitions {
		if t.Requires == s {
			return t.Results, true
		}
	}
	return StateUnspecified, false
}

// Predecessor returns the state that leads to s, if any.
func Predecessor(s RecordState) (RecordState, bool) {
	for _, t := range transitions {
		if t.Results == s {
			return t.Requires, true
		}
	}
	return StateUnspecified, false
}

// Input carries the caller-supplied value of a transition.
type Input struct {
	At     time.Time
	Signer *Signer
}

// Mutation is a planned transition: the precondition, the resulting state and
// the normalised value to write. Storage engines translate it into a single
// conditional write.
type Mutation struct {
	Transition
	Time   time.Time
	Signer Signer
}

// Plan validates in against the transition for op. It never looks at stored
// state; the precondition travels with the mutation into the write itself.
func Plan(op Operation, in Input) (Mutation, error) {
	t, ok := transitions[op]
	if !ok {
		return Mutation{}, fmt.Errorf("unknown operation %d", int(op))
	}
	m := Mutation{Transition: t}
	switch t.Field.Payload() {
	case PayloadTime:
		if in.At.IsZero() {
			return Mutation{}, fmt.Errorf("%s: time: %w", op, ErrMissingRequiredField)
		}
		m.Time = NormalizeTime(in.At)
	case PayloadSigner:
		if in.Signer == nil {
			return Mutation{}, fmt.Errorf("%s: signer: %w", op, ErrMissingRequiredField)
		}
		if strings.TrimSpace(in.Signer.Name) == "" || in.Signer.Signature == "" {
			return Mutation{}, fmt.Errorf("%s: signer name and signature: %w", op, ErrMissingRequiredField)
		}
		m.Signer = *in.Signer
	}
	return m, nil
}

// Apply performs the mutation on r in memory. It fails with
// ErrPreconditionFailed when r is not in the required state and leaves r
// untouched in that case.
func (m Mutation) Apply(r *Record) error {
	if r.State != m.Requires {
		return fmt.Errorf("%s requires %s, record is %s: %w", m.Op, m.Requires, r.State, ErrPreconditionFailed)
	}
	switch m.Field {
	case FieldCreatedAt:
		at := m.Time
		r.CreatedAt = &at
	case FieldNone:
	default:
		trace := r.trace(m.Field.Phase())
		at, signer := m.Time, m.Signer
		switch m.Field {
		case FieldCollectedInside, FieldReturnedInside:
			trace.InsideTime = &at
		case FieldCollectedOutside, FieldReturnedOutside:
			trace.OutsideTime = &at
		case FieldCollectedClientSigner, FieldReturnedClientSigner:
			trace.ClientSigner = &signer
		case FieldCollectedPqrsSigner, FieldReturnedPqrsSigner:
			trace.PqrsSigner = &signer
		}
	}
	r.State = m.Results
	return nil
}

func (r *Record) trace(phase string) *Trace {
	if r.Traces == nil {
		r.Traces = &Traces{}
	}
	if phase == "returned" {
		if r.Traces.Returned == nil {
			r.Traces.Returned = &Trace{}
		}
		return r.Traces.Returned
	}
	if r.Traces.Collected == nil {
		r.Traces.Collected = &Trace{}
	}
	return r.Traces.Collected
}
