package library

import (
	"errors"
	"fmt"

	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"
)

var (
	// ErrNotFound is returned when a member, title or loan does not exist.
	ErrNotFound = errors.New("not found")
	// ErrLimitExceeded is returned when a member already holds MaxActiveLoans loans.
	ErrLimitExceeded = errors.New("borrowing limit exceeded")
	// ErrUnavailable is returned when a title has no copy left to lend.
	ErrUnavailable = errors.New("no copies available")
	// ErrInactive is returned when the member has been deactivated.
	ErrInactive = errors.New("member is inactive")
	// ErrValidation wraps every input or invariant violation.
	ErrValidation = errors.New("validation failed")
	// ErrInvalidCredentials is returned when a username/password pair does not match.
	ErrInvalidCredentials = errors.New("invalid username or password")

	// errConflict marks a lost race that is safe to retry from the top.
	errConflict = errors.New("write conflict")
)

func notFoundf(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrNotFound}, args...)...)
}

func validationf(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrValidation}, args...)...)
}

func isNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

// isUniqueViolation reports whether err is a unique-constraint failure from
// either supported driver.
func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return false
}

// isConflict reports whether err is a transient write conflict worth retrying.
func isConflict(err error) bool {
	if errors.Is(err, errConflict) {
		return true
	}
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code == sqlite3.ErrBusy || sqliteErr.Code == sqlite3.ErrLocked
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "40001" || pqErr.Code == "40P01"
	}
	return false
}
