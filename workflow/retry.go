package workflow

import (
	"errors"
	"time"

	mysqlDriver "github.com/go-sql-driver/mysql"
)

func isDuplicateKeyErr(err error) bool {
	var mysqlErr *mysqlDriver.MySQLError
	if errors.As(err, &mysqlErr) {
		return mysqlErr.Number == 1062
	}
	return false
}

// isTransientConflictErr matches MySQL deadlock (1213) and lock-wait-timeout
// (1205), the two conflicts worth retrying on the bare posting path. The
// pick-task commit path never needs this: the advisory lock serializes it
// before a conflict can occur.
func isTransientConflictErr(err error) bool {
	var mysqlErr *mysqlDriver.MySQLError
	if errors.As(err, &mysqlErr) {
		return mysqlErr.Number == 1213 || mysqlErr.Number == 1205
	}
	return false
}

const maxPostRetries = 5

// retryTransient runs fn, retrying transient DB conflicts with exponential
// backoff. Non-transient errors are returned immediately.
func retryTransient(fn func() error) error {
	var err error
	for attempt := 1; attempt <= maxPostRetries; attempt++ {
		err = fn()
		if err == nil || !isTransientConflictErr(err) {
			return err
		}
		sleep := 50 * time.Millisecond * time.Duration(1<<(attempt-1))
		if sleep > time.Second {
			sleep = time.Second
		}
		time.Sleep(sleep)
	}
	return err
}
