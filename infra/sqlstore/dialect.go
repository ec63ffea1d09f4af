package sqlstore

import (
	"strconv"
	"strings"
)

// Driver names accepted in Config.Driver.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

type dialect struct {
	name string
	// sqlDriver is the database/sql driver name.
	sqlDriver string
	// numbered placeholders ($1, $2) instead of ?.
	numbered bool
	// serialize limits the pool to one connection.
	serialize bool
}

var dialects = map[string]dialect{
	DriverSQLite:   {name: DriverSQLite, sqlDriver: "sqlite", serialize: true},
	DriverPostgres: {name: DriverPostgres, sqlDriver: "pgx", numbered: true},
}

// rebind rewrites ? placeholders for dialects that number them.
func (d dialect) rebind(q string) string {
	if !d.numbered {
		return q
	}
	var b strings.Builder
	b.Grow(len(q) + 8)
	n := 0
	for i := 0; i < len(q); i++ {
		if q[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(q[i])
	}
	return b.String()
}

func (d dialect) schema() []string {
	return []string{
		`CREATE TABLE IF NOT EXISTS jobs (
            ref TEXT PRIMARY KEY,
            version BIGINT NOT NULL,
            driver TEXT NOT NULL DEFAULT '',
            cluster_id TEXT NOT NULL DEFAULT '',
            status TEXT NOT NULL DEFAULT '',
            doc TEXT NOT NULL
        )`,
		`CREATE INDEX IF NOT EXISTS jobs_driver ON jobs (driver)`,
		`CREATE INDEX IF NOT EXISTS jobs_cluster ON jobs (cluster_id)`,
		`CREATE TABLE IF NOT EXISTS drivers (
            name TEXT PRIMARY KEY,
            version BIGINT NOT NULL,
            doc TEXT NOT NULL
        )`,
		`CREATE TABLE IF NOT EXISTS batches (
            id TEXT PRIMARY KEY,
            version BIGINT NOT NULL,
            doc TEXT NOT NULL
        )`,
	}
}
