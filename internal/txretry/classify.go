package txretry

import (
	"errors"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// Postgres SQLSTATE codes for transient serialization conflicts.
const (
	sqlStateDeadlock      = "40P01"
	sqlStateSerialization = "40001"
)

var deadlockPhrases = []string{
	"deadlock",
	"serialization failure",
	"could not serialize access",
	"lock wait timeout",
	"database is locked",
	"database table is locked",
}

// IsDeadlock reports whether err is a transient serialization failure that is safe to retry.
// Driver error codes are authoritative; message matching is used only for errors that carry
// no code at all.
func IsDeadlock(err error) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == sqlStateDeadlock || pgErr.Code == sqlStateSerialization
	}
	var liteErr *sqlite.Error
	if errors.As(err, &liteErr) {
		switch liteErr.Code() & 0xff {
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
			return true
		default:
			return false
		}
	}
	var coded interface{ SQLState() string }
	if errors.As(err, &coded) {
		s := coded.SQLState()
		return s == sqlStateDeadlock || s == sqlStateSerialization
	}
	msg := strings.ToLower(err.Error())
	for _, p := range deadlockPhrases {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}
