// Package sqlrecord maps custody records onto the flattened relational layout
// shared by the Postgres and SQLite engines and implements the conditional
// writes both engines run through database/sql.
package sqlrecord

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"register/pkg/domain"
)

// Table is the relational home of every record.
const Table = "records"

// Columns lists the record columns in scan order.
var Columns = []string{
	"id",
	"api_version",
	"created",
	"summary",
	"state",
	"collected_inside",
	"collected_outside",
	"collected_client_name",
	"collected_client_signature",
	"collected_pqrs_name",
	"collected_pqrs_signature",
	"returned_inside",
	"returned_outside",
	"returned_client_name",
	"returned_client_signature",
	"returned_pqrs_name",
	"returned_pqrs_signature",
}

// SelectList is Columns joined for a SELECT clause.
var SelectList = strings.Join(Columns, ", ")

// Scanner is satisfied by *sql.Row and *sql.Rows.
type Scanner interface {
	Scan(dest ...any) error
}

type traceColumns struct {
	inside, outside             sql.NullInt64
	clientName, clientSignature sql.NullString
	pqrsName, pqrsSignature     sql.NullString
}

func (c traceColumns) trace() *domain.Trace {
	t := &domain.Trace{
		InsideTime:   fromMillis(c.inside),
		OutsideTime:  fromMillis(c.outside),
		ClientSigner: signer(c.clientName, c.clientSignature),
		PqrsSigner:   signer(c.pqrsName, c.pqrsSignature),
	}
	if t.IsZero() {
		return nil
	}
	return t
}

// Scan decodes one row selected with SelectList.
func Scan(row Scanner) (domain.Record, error) {
	var cols recordColumns
	if err := row.Scan(cols.dest()...); err != nil {
		return domain.Record{}, err
	}
	return cols.record(), nil
}

// recordColumns holds one row of Columns. Every column is nullable so the
// same layout also decodes change log images, where only id may be set.
type recordColumns struct {
	id, summary         sql.NullString
	apiVersion, state   sql.NullInt64
	created             sql.NullInt64
	collected, returned traceColumns
}

func (c *recordColumns) dest(head ...any) []any {
	return append(head,
		&c.id, &c.apiVersion, &c.created, &c.summary, &c.state,
		&c.collected.inside, &c.collected.outside,
		&c.collected.clientName, &c.collected.clientSignature,
		&c.collected.pqrsName, &c.collected.pqrsSignature,
		&c.returned.inside, &c.returned.outside,
		&c.returned.clientName, &c.returned.clientSignature,
		&c.returned.pqrsName, &c.returned.pqrsSignature,
	)
}

func (c *recordColumns) record() domain.Record {
	rec := domain.Record{
		ID:         c.id.String,
		APIVersion: int32(c.apiVersion.Int64),
		Summary:    c.summary.String,
		State:      domain.StateFromInt32(int32(c.state.Int64)),
		CreatedAt:  fromMillis(c.created),
	}
	col, ret := c.collected.trace(), c.returned.trace()
	if col != nil || ret != nil {
		rec.Traces = &domain.Traces{Collected: col, Returned: ret}
	}
	return rec
}

// Assignments returns the columns and values a mutation writes, the new
// state included.
func Assignments(m domain.Mutation) ([]string, []any) {
	var cols []string
	var vals []any
	switch m.Field.Payload() {
	case domain.PayloadTime:
		cols = append(cols, timeColumn(m.Field))
		vals = append(vals, Millis(m.Time))
	case domain.PayloadSigner:
		prefix := m.Field.Phase() + "_" + m.Field.Party()
		cols = append(cols, prefix+"_name", prefix+"_signature")
		vals = append(vals, m.Signer.Name, m.Signer.Signature)
	}
	cols = append(cols, "state")
	vals = append(vals, int64(m.Results))
	return cols, vals
}

func timeColumn(f domain.Field) string {
	switch f {
	case domain.FieldCreatedAt:
		return "created"
	case domain.FieldCollectedInside, domain.FieldReturnedInside:
		return f.Phase() + "_inside"
	case domain.FieldCollectedOutside, domain.FieldReturnedOutside:
		return f.Phase() + "_outside"
	}
	panic(fmt.Sprintf("sqlrecord: field %d carries no time", f))
}

// Millis converts t to the stored epoch-millisecond form.
func Millis(t time.Time) int64 {
	return domain.NormalizeTime(t).UnixMilli()
}

func fromMillis(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.UnixMilli(v.Int64).UTC()
	return &t
}

func signer(name, signature sql.NullString) *domain.Signer {
	if !name.Valid && !signature.Valid {
		return nil
	}
	return &domain.Signer{Name: name.String, Signature: signature.String}
}
