package mongo

import (
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"

	"register/pkg/domain"
)

type signerDoc struct {
	Name      string `bson:"name"`
	Signature string `bson:"signature"`
}

// traceDoc times are epoch milliseconds.
type traceDoc struct {
	Inside  *int64     `bson:"inside,omitempty"`
	Outside *int64     `bson:"outside,omitempty"`
	Client  *signerDoc `bson:"client,omitempty"`
	Pqrs    *signerDoc `bson:"pqrs,omitempty"`
}

type tracesDoc struct {
	Collected *traceDoc `bson:"collected,omitempty"`
	Returned  *traceDoc `bson:"returned,omitempty"`
}

// recordDoc is the stored layout of a record.
type recordDoc struct {
	ID         bson.ObjectID `bson:"_id,omitempty"`
	APIVersion int32         `bson:"api_version"`
	Created    *int64        `bson:"created,omitempty"`
	Summary    string        `bson:"summary"`
	Traces     *tracesDoc    `bson:"traces,omitempty"`
	State      int32         `bson:"state"`
}

func millis(t time.Time) int64 { return domain.NormalizeTime(t).UnixMilli() }

func fromMillis(v *int64) *time.Time {
	if v == nil {
		return nil
	}
	t := time.UnixMilli(*v).UTC()
	return &t
}

func toMillis(t *time.Time) *int64 {
	if t == nil {
		return nil
	}
	v := millis(*t)
	return &v
}

func toSignerDoc(s *domain.Signer) *signerDoc {
	if s == nil {
		return nil
	}
	return &signerDoc{Name: s.Name, Signature: s.Signature}
}

func (d *signerDoc) signer() *domain.Signer {
	if d == nil {
		return nil
	}
	return &domain.Signer{Name: d.Name, Signature: d.Signature}
}

func toTraceDoc(t *domain.Trace) *traceDoc {
	if t.IsZero() {
		return nil
	}
	return &traceDoc{
		Inside:  toMillis(t.InsideTime),
		Outside: toMillis(t.OutsideTime),
		Client:  toSignerDoc(t.ClientSigner),
		Pqrs:    toSignerDoc(t.PqrsSigner),
	}
}

func (d *traceDoc) trace() *domain.Trace {
	if d == nil {
		return nil
	}
	t := &domain.Trace{
		InsideTime:   fromMillis(d.Inside),
		OutsideTime:  fromMillis(d.Outside),
		ClientSigner: d.Client.signer(),
		PqrsSigner:   d.Pqrs.signer(),
	}
	if t.IsZero() {
		return nil
	}
	return t
}

func toDoc(key bson.ObjectID, r domain.Record) recordDoc {
	doc := recordDoc{
		ID:         key,
		APIVersion: r.APIVersion,
		Created:    toMillis(r.CreatedAt),
		Summary:    r.Summary,
		State:      int32(r.State),
	}
	if r.Traces != nil {
		c, ret := toTraceDoc(r.Traces.Collected), toTraceDoc(r.Traces.Returned)
		if c != nil || ret != nil {
			doc.Traces = &tracesDoc{Collected: c, Returned: ret}
		}
	}
	return doc
}

func (d recordDoc) record(codec ObjectIDCodec) domain.Record {
	rec := domain.Record{
		ID:         codec.Encode(d.ID),
		APIVersion: d.APIVersion,
		CreatedAt:  fromMillis(d.Created),
		Summary:    d.Summary,
		State:      domain.StateFromInt32(d.State),
	}
	if d.Traces != nil {
		c, r := d.Traces.Collected.trace(), d.Traces.Returned.trace()
		if c != nil || r != nil {
			rec.Traces = &domain.Traces{Collected: c, Returned: r}
		}
	}
	return rec
}

// guard matches one record in the required state.
func guard(key bson.ObjectID, state domain.RecordState) bson.D {
	return bson.D{{Key: "_id", Value: key}, {Key: "state", Value: int32(state)}}
}

// updateFor renders m as a $set document.
func updateFor(m domain.Mutation) bson.D {
	set := bson.D{}
	switch m.Field.Payload() {
	case domain.PayloadTime:
		set = append(set, bson.E{Key: fieldPath(m.Field), Value: millis(m.Time)})
	case domain.PayloadSigner:
		set = append(set, bson.E{Key: fieldPath(m.Field), Value: signerDoc{Name: m.Signer.Name, Signature: m.Signer.Signature}})
	}
	set = append(set, bson.E{Key: "state", Value: int32(m.Results)})
	return bson.D{{Key: "$set", Value: set}}
}

func fieldPath(f domain.Field) string {
	switch f {
	case domain.FieldCreatedAt:
		return "created"
	case domain.FieldCollectedInside, domain.FieldReturnedInside:
		return "traces." + f.Phase() + ".inside"
	case domain.FieldCollectedOutside, domain.FieldReturnedOutside:
		return "traces." + f.Phase() + ".outside"
	case domain.FieldCollectedClientSigner, domain.FieldReturnedClientSigner,
		domain.FieldCollectedPqrsSigner, domain.FieldReturnedPqrsSigner:
		return "traces." + f.Phase() + "." + f.Party()
	}
	panic(fmt.Sprintf("mongo: field %d has no document path", f))
}

// queryFilter renders f; ok is false when f can match nothing.
func queryFilter(f domain.Filter) (bson.D, bool) {
	if len(f.States) == 0 {
		return nil, false
	}
	states := make(bson.A, 0, len(f.States))
	for _, s := range f.States {
		states = append(states, int32(s))
	}
	filter := bson.D{{Key: "state", Value: bson.D{{Key: "$in", Value: states}}}}
	if f.Created != nil {
		filter = append(filter, bson.E{Key: "created", Value: bson.D{
			{Key: "$gte", Value: millis(f.Created.From)},
			{Key: "$lte", Value: millis(f.Created.To)},
		}})
	}
	return filter, true
}
