package sqlstore

import (
	"fmt"
	"strings"
)

// Dialect captures the SQL differences between supported databases.
type Dialect struct {
	name string
	// numbered placeholders ($1, $2) instead of ?
	numbered bool
	// row lock appended to the SELECT inside IncrementHits
	lockClause string
}

var (
	SQLite   = Dialect{name: "sqlite3"}
	Postgres = Dialect{name: "postgres", numbered: true, lockClause: " FOR UPDATE"}
)

func (d Dialect) String() string { return d.name }

// ParseDialect maps a driver name to its Dialect.
func ParseDialect(name string) (Dialect, error) {
	switch strings.ToLower(name) {
	case "sqlite", "sqlite3":
		return SQLite, nil
	case "postgres", "postgresql", "pgx":
		return Postgres, nil
	default:
		return Dialect{}, fmt.Errorf("sqlstore: unsupported dialect %q", name)
	}
}

// rebind rewrites ? placeholders for dialects that number them.
func (d Dialect) rebind(query string) string {
	if !d.numbered {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

type queries struct {
	create string
	read   string
	reset  string
	open   string
	renew  string
	lock   string
	incr   string
	del    string
	list   string
}

func (d Dialect) queries() queries {
	return queries{
		create: `CREATE TABLE IF NOT EXISTS rate_limit_windows (
			limiter_key TEXT PRIMARY KEY,
			hits BIGINT NOT NULL DEFAULT 0,
			start_time BIGINT NOT NULL
		)`,
		read: d.rebind(`SELECT hits, start_time FROM rate_limit_windows WHERE limiter_key = ?`),
		reset: d.rebind(`
			INSERT INTO rate_limit_windows (limiter_key, hits, start_time)
			VALUES (?, 0, ?)
			ON CONFLICT(limiter_key) DO UPDATE SET
				hits = 0,
				start_time = excluded.start_time
		`),
		open: d.rebind(`
			INSERT INTO rate_limit_windows (limiter_key, hits, start_time)
			VALUES (?, 0, ?)
			ON CONFLICT(limiter_key) DO NOTHING
		`),
		renew: d.rebind(`UPDATE rate_limit_windows SET hits = 0, start_time = ? WHERE limiter_key = ? AND start_time = ?`),
		lock:  d.rebind(`SELECT hits, start_time FROM rate_limit_windows WHERE limiter_key = ?` + d.lockClause),
		incr:  d.rebind(`UPDATE rate_limit_windows SET hits = hits + ? WHERE limiter_key = ?`),
		del:   d.rebind(`DELETE FROM rate_limit_windows WHERE limiter_key = ?`),
		list:  d.rebind(`SELECT limiter_key, hits, start_time FROM rate_limit_windows WHERE limiter_key LIKE ? ESCAPE '\' ORDER BY limiter_key`),
	}
}
