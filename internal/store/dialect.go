package store

import (
	"fmt"
	"strconv"
	"strings"
)

type dialect struct {
	driver string
	// dollar placeholders ($1, $2, ...) instead of ?
	dollar bool
}

func dialectFor(driver string) (dialect, error) {
	switch driver {
	case DriverSQLite:
		return dialect{driver: driver}, nil
	case DriverPostgres:
		return dialect{driver: driver, dollar: true}, nil
	default:
		return dialect{}, fmt.Errorf("%w: unsupported driver %q", ErrInvalidArgument, driver)
	}
}

// q rebinds a ?-placeholder query for the store's dialect.
// Queries must not contain literal question marks.
func (d dialect) q(query string) string {
	if !d.dollar {
		return query
	}
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
