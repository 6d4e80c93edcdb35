package store

import (
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// filter accumulates positional WHERE conditions. Each cond carries one %d for its placeholder.
type filter struct {
	where []string
	args  []interface{}
}

func (f *filter) add(cond string, v interface{}) {
	f.args = append(f.args, v)
	f.where = append(f.where, fmt.Sprintf(cond, len(f.args)))
}

// build appends the WHERE clause, ordering and paging to base. A non-positive limit means unbounded.
func (f *filter) build(base, order string, limit, offset int) (string, []interface{}) {
	var b strings.Builder
	b.WriteString(base)
	if len(f.where) > 0 {
		b.WriteString(" WHERE ")
		b.WriteString(strings.Join(f.where, " AND "))
	}
	if order != "" {
		b.WriteString(" ORDER BY ")
		b.WriteString(order)
	}
	args := f.args
	if limit > 0 {
		args = append(args, limit)
		fmt.Fprintf(&b, " LIMIT $%d", len(args))
	}
	if offset > 0 {
		args = append(args, offset)
		fmt.Fprintf(&b, " OFFSET $%d", len(args))
	}
	return b.String(), args
}

func nullTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time.UTC()
	return &t
}
