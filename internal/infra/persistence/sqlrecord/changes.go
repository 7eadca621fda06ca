package sqlrecord

import (
	"fmt"
	"strings"

	"register/pkg/domain"
)

// ChangeTable is the change log written by the row triggers. Each entry
// carries the record image as of the write, in the same columns as Table.
const ChangeTable = "record_changes"

// ChangeColumns lists the change log columns in scan order.
var ChangeColumns = append([]string{"seq", "op"}, Columns...)

// ChangeSelectList is ChangeColumns joined for a SELECT clause.
var ChangeSelectList = strings.Join(ChangeColumns, ", ")

// Change operations as stored in the op column. Matching is case-insensitive
// since Postgres records TG_OP verbatim.
const (
	ChangeInsert   = "insert"
	ChangeUpdate   = "update"
	ChangeDelete   = "delete"
	ChangeTruncate = "truncate"
)

// Change is one change log entry.
type Change struct {
	Seq    int64
	Op     string
	Record domain.Record
}

// ScanChange decodes one row selected with ChangeSelectList. Delete and
// truncate entries leave the image columns NULL apart from id.
func ScanChange(row Scanner) (Change, error) {
	var (
		c    Change
		cols recordColumns
	)
	if err := row.Scan(cols.dest(&c.Seq, &c.Op)...); err != nil {
		return Change{}, err
	}
	c.Record = cols.record()
	return c, nil
}

// Event maps the entry to the lifecycle event it reports. ok is false for
// operations the feed does not surface.
func (c Change) Event() (ev domain.LifecycleEvent, ok bool, err error) {
	switch strings.ToLower(c.Op) {
	case ChangeInsert:
		return domain.Added(c.Record), true, nil
	case ChangeUpdate:
		return domain.Modified(c.Record), true, nil
	case ChangeDelete:
		return domain.Deleted(c.Record.ID), true, nil
	case ChangeTruncate:
		return domain.LifecycleEvent{}, false, fmt.Errorf("records truncated at change %d: %w", c.Seq, domain.ErrFeedInvalidated)
	default:
		return domain.LifecycleEvent{}, false, nil
	}
}

// ImageOf returns the trigger expressions that copy every record column from
// the named row variable (NEW or OLD), in Columns order.
func ImageOf(row string) string {
	exprs := make([]string, len(Columns))
	for i, col := range Columns {
		exprs[i] = row + "." + col
	}
	return strings.Join(exprs, ", ")
}
