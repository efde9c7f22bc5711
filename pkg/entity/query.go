package entity

import (
	"strconv"
	"strings"
)

type fragment struct {
	sql  string
	args []interface{}
}

// Query builds a SELECT statement. Fragments use '?' placeholders which
// are numbered $1, $2, ... in the order they appear in the final SQL.
type Query struct {
	table   string
	alias   string
	columns []string
	joins   []fragment
	where   []fragment
	orderBy []string
	limit   int
	offset  int
}

// NewQuery starts a query over table with the given alias
func NewQuery(table, alias string) *Query {
	return &Query{table: table, alias: alias, limit: -1}
}

// Clone returns an independent copy
func (q *Query) Clone() *Query {
	c := *q
	c.columns = append([]string(nil), q.columns...)
	c.joins = append([]fragment(nil), q.joins...)
	c.where = append([]fragment(nil), q.where...)
	c.orderBy = append([]string(nil), q.orderBy...)
	return &c
}

// Select appends select expressions
func (q *Query) Select(columns ...string) *Query {
	q.columns = append(q.columns, columns...)
	return q
}

// Join appends a join clause such as "JOIN core_group_user gu ON gu.user_id = u.id"
func (q *Query) Join(clause string, args ...interface{}) *Query {
	q.joins = append(q.joins, fragment{clause, args})
	return q
}

// Where appends a condition; conditions are joined with AND
func (q *Query) Where(cond string, args ...interface{}) *Query {
	q.where = append(q.where, fragment{cond, args})
	return q
}

// OrderBy appends ordering expressions
func (q *Query) OrderBy(exprs ...string) *Query {
	q.orderBy = append(q.orderBy, exprs...)
	return q
}

// Limit caps the row count; a negative value removes the cap
func (q *Query) Limit(n int) *Query {
	q.limit = n
	return q
}

// Offset skips rows
func (q *Query) Offset(n int) *Query {
	q.offset = n
	return q
}

// Fingerprint identifies the row shape: table, alias and column list.
// Readers with equal fingerprints and filters produce identical SQL.
func (q *Query) Fingerprint() string {
	return q.table + " " + q.alias + ":" + strings.Join(q.columns, ",")
}

// SQL renders the statement and its arguments
func (q *Query) SQL() (string, []interface{}) {
	var b strings.Builder
	b.WriteString("SELECT ")
	if len(q.columns) == 0 {
		b.WriteString("*")
	} else {
		b.WriteString(strings.Join(q.columns, ", "))
	}
	args := q.from(&b)
	if len(q.orderBy) > 0 {
		b.WriteString(" ORDER BY ")
		b.WriteString(strings.Join(q.orderBy, ", "))
	}
	if q.limit >= 0 {
		b.WriteString(" LIMIT ")
		b.WriteString(strconv.Itoa(q.limit))
	}
	if q.offset > 0 {
		if q.limit < 0 {
			// SQLite needs a LIMIT before OFFSET and PostgreSQL rejects negative ones
			b.WriteString(" LIMIT 9223372036854775807")
		}
		b.WriteString(" OFFSET ")
		b.WriteString(strconv.Itoa(q.offset))
	}
	return b.String(), args
}

// CountSQL renders a COUNT over the same rows, ignoring limit and offset
func (q *Query) CountSQL() (string, []interface{}) {
	var b strings.Builder
	b.WriteString("SELECT COUNT(*)")
	args := q.from(&b)
	return b.String(), args
}

func (q *Query) from(b *strings.Builder) []interface{} {
	var args []interface{}
	b.WriteString(" FROM ")
	b.WriteString(q.table)
	if q.alias != "" {
		b.WriteString(" ")
		b.WriteString(q.alias)
	}
	for _, j := range q.joins {
		b.WriteString(" ")
		b.WriteString(number(j.sql, &args, j.args))
	}
	for i, w := range q.where {
		if i == 0 {
			b.WriteString(" WHERE ")
		} else {
			b.WriteString(" AND ")
		}
		b.WriteString("(")
		b.WriteString(number(w.sql, &args, w.args))
		b.WriteString(")")
	}
	return args
}

// number replaces each '?' with the next $N and appends its argument
func number(sql string, args *[]interface{}, fragArgs []interface{}) string {
	var b strings.Builder
	next := 0
	for i := 0; i < len(sql); i++ {
		if sql[i] == '?' && next < len(fragArgs) {
			*args = append(*args, fragArgs[next])
			next++
			b.WriteString("$")
			b.WriteString(strconv.Itoa(len(*args)))
			continue
		}
		b.WriteByte(sql[i])
	}
	return b.String()
}
