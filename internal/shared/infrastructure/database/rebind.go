package database

import (
	"strconv"
	"strings"
)

// Rebind converts `?` placeholders into the driver's native form. SQLite
// queries pass through unchanged; PostgreSQL gets $1..$n. Repositories write
// queries once with `?` and rebind against their connection's driver.
func Rebind(driver Driver, query string) string {
	if driver != DriverPostgres {
		return query
	}

	var b strings.Builder
	b.Grow(len(query) + 8)
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
