package sqlstore

import (
	"fmt"
	"strings"
)

// Dialect describes the differences between SQL backends.
type Dialect struct {
	// Name is the goose dialect name, e.g. "postgres" or "mysql".
	Name string
	// Placeholder returns the n-th (1-based) bind parameter.
	Placeholder func(n int) string
	// MapError translates driver errors into store errors. It must return
	// nil for nil.
	MapError func(err error) error
}

// DollarPlaceholder renders $1, $2, ...
func DollarPlaceholder(n int) string {
	return fmt.Sprintf("$%d", n)
}

// QuestionPlaceholder renders ? for every parameter.
func QuestionPlaceholder(int) string {
	return "?"
}

// query accumulates SQL text and its arguments, numbering placeholders in
// order of appearance.
type query struct {
	dialect Dialect
	sb      strings.Builder
	args    []any
}

func newQuery(d Dialect, text string) *query {
	q := &query{dialect: d}
	q.sb.WriteString(text)
	return q
}

// bind appends v as an argument and returns its placeholder.
func (q *query) bind(v any) string {
	q.args = append(q.args, v)
	return q.dialect.Placeholder(len(q.args))
}

// list binds every value and returns "(p1, p2, ...)".
func list[T any](q *query, values []T) string {
	ps := make([]string, len(values))
	for i, v := range values {
		ps[i] = q.bind(v)
	}
	return "(" + strings.Join(ps, ", ") + ")"
}

func (q *query) write(parts ...string) *query {
	for _, p := range parts {
		q.sb.WriteString(p)
	}
	return q
}

func (q *query) String() string {
	return q.sb.String()
}
