// Package sqlstore implements durable.Storage on database/sql. The sqlite and
// postgres packages supply the schema and a Dialect.
package sqlstore

import (
	"strconv"
	"strings"
)

// Dialect captures the differences between SQL engines that matter to the
// store: placeholder syntax and constraint-violation detection.
type Dialect interface {
	// Name identifies the engine in logs and errors.
	Name() string

	// Rebind rewrites a query written with ? placeholders for the engine.
	Rebind(query string) string

	// IsUniqueViolation reports whether err is a unique or primary key
	// constraint failure.
	IsUniqueViolation(err error) bool

	// IsForeignKeyViolation reports whether err is a foreign key failure.
	IsForeignKeyViolation(err error) bool
}

// QuestionRebind returns the query unchanged.
func QuestionRebind(query string) string {
	return query
}

// DollarRebind rewrites ? placeholders as $1, $2, ...
func DollarRebind(query string) string {
	var b strings.Builder
	b.Grow(len(query) + 16)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}
