package store

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

// Dialect selects placeholder style and schema flavour.
type Dialect int

const (
	Postgres Dialect = iota
	SQLite
)

func (d Dialect) String() string {
	if d == SQLite {
		return "sqlite"
	}
	return "postgres"
}

// DB wraps a *sql.DB with the dialect its queries must be rebound to.
type DB struct {
	*sql.DB
	Dialect Dialect
}

// Open connects using driver "postgres" (pgx) or "sqlite" (modernc) and pings the server.
func Open(ctx context.Context, driver, dsn string) (*DB, error) {
	var (
		db      *sql.DB
		dialect Dialect
		err     error
	)
	switch strings.ToLower(driver) {
	case "postgres", "pgx", "postgresql":
		db, err = sql.Open("pgx", dsn)
		dialect = Postgres
	case "sqlite", "sqlite3":
		db, err = sql.Open("sqlite", dsn)
		dialect = SQLite
	default:
		return nil, fmt.Errorf("unsupported db driver %q", driver)
	}
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}
	if dialect == SQLite {
		// One writer at a time; concurrent writers only produce SQLITE_BUSY.
		db.SetMaxOpenConns(1)
		_, _ = db.ExecContext(ctx, "PRAGMA busy_timeout = 5000")
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping %s: %w", driver, err)
	}
	return &DB{DB: db, Dialect: dialect}, nil
}

// Wrap adapts an existing handle, e.g. a sqlmock connection in tests.
func Wrap(db *sql.DB, d Dialect) *DB {
	return &DB{DB: db, Dialect: d}
}

// Rebind rewrites '?' placeholders to '$n' for Postgres. Quoted literals are left alone.
func (d *DB) Rebind(query string) string {
	if d.Dialect != Postgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	inQuote := false
	for i := 0; i < len(query); i++ {
		ch := query[i]
		switch {
		case ch == '\'':
			inQuote = !inQuote
			b.WriteByte(ch)
		case ch == '?' && !inQuote:
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
		default:
			b.WriteByte(ch)
		}
	}
	return b.String()
}

// NullString turns an empty pointer into SQL NULL.
func NullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

// StringPtr is the inverse of NullString.
func StringPtr(ns sql.NullString) *string {
	if ns.Valid {
		v := ns.String
		return &v
	}
	return nil
}
