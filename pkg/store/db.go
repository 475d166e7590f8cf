package store

import (
	"database/sql"
	"fmt"
	"strconv"
	"strings"
)

// Driver names accepted by Open. The sqlite driver is modernc (pure Go);
// postgres is lib/pq. Both must be imported for their side effects by
// the binary, as cmd/depotgate does.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Open opens a database handle for the given driver and DSN.
func Open(driver, dsn string) (*sql.DB, error) {
	switch driver {
	case DriverSQLite, DriverPostgres:
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s database: %w", driver, err)
	}
	if driver == DriverSQLite {
		// modernc sqlite serializes writes; a single connection avoids
		// SQLITE_BUSY under concurrent transactions.
		db.SetMaxOpenConns(1)
	}
	return db, nil
}

// rebind converts ?-style placeholders to $N for postgres. Queries in
// this package are written sqlite-style and rebound per driver.
func rebind(driver, query string) string {
	if driver != DriverPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
