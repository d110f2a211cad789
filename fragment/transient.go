package fragment

import (
	"context"
	"errors"
	"net"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
)

// transientCodes are Postgres SQLSTATEs for pool exhaustion, startup and
// statement timeouts. Connection exceptions (class 08) are matched by prefix.
var transientCodes = map[string]bool{
	"53300": true, // too_many_connections
	"57P03": true, // cannot_connect_now
	"57014": true, // query_canceled (statement_timeout)
	"55P03": true, // lock_not_available (lock_timeout)
}

var transientSignatures = []string{
	"timed out",
	"timeout",
	"connection pool",
	"pool exhausted",
	"too many connections",
	"database is locked",
	"sqlite_busy",
}

// IsTransient reports whether a storage error looks like a timeout or
// connection-pool exhaustion, the only failures worth retrying.
func IsTransient(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || pgconn.Timeout(err) {
		return true
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return transientCodes[pgErr.Code] || strings.HasPrefix(pgErr.Code, "08")
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, sig := range transientSignatures {
		if strings.Contains(msg, sig) {
			return true
		}
	}
	return false
}
