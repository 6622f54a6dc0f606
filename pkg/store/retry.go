// retry.go classifies transient SQLite errors and retries writes on them.
//
// WAL-mode SQLite can produce SQLITE_BUSY, SQLITE_LOCKED and
// IOERR_SHORT_READ (522) when the CLI and a long-running `tg serve` touch the
// same database. busy_timeout covers BUSY at the connection level; the rest
// need application-level retries.
package store

import (
	"context"
	"strings"
	"time"

	"github.com/daviddao/tagged/pkg/backoff"
)

// contentionPolicy is used for all store write operations.
var contentionPolicy = backoff.Policy{
	MaxRetries: 3,
	Base:       50 * time.Millisecond,
	Max:        500 * time.Millisecond,
	Jitter:     50 * time.Millisecond,
}

// isTransientSQLiteErr returns true if the error is a transient SQLite error
// that can be resolved by retrying.
func isTransientSQLiteErr(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	for _, pattern := range []string{
		"SQLITE_BUSY",
		"SQLITE_LOCKED",
		"IOERR_SHORT_READ",
		"database is locked",
		"database table is locked",
		"(5)",   // SQLITE_BUSY code
		"(6)",   // SQLITE_LOCKED code
		"(522)", // SQLITE_IOERR_SHORT_READ code
	} {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}

// retryOnContention runs fn with the contention policy.
func retryOnContention(fn func() error) error {
	return backoff.Retry(context.Background(), contentionPolicy, isTransientSQLiteErr,
		func(int) error { return fn() })
}
