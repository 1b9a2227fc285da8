package mysql

import (
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"

	"github.com/go-sql-driver/mysql"
	"github.com/phrazzld/taskmanager/internal/store"
)

// MySQL server error numbers
const (
	erDupEntry         = 1062
	erBadNullError     = 1048
	erRowIsReferenced  = 1451
	erNoReferencedRow  = 1452
	erCheckConstraint  = 3819
	erConCount         = 1040
	erServerShutdown   = 1053
	erLockWaitTimeout  = 1205
	erLockDeadlock     = 1213
	erQueryInterrupted = 1317
	erTooManyUserConns = 1203
)

// MapError maps a database error to a store error, wrapping the original.
// Errors without a mapping are returned as is.
func MapError(err error) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %v", store.ErrNotFound, err)
	}
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, mysql.ErrInvalidConn) ||
		errors.Is(err, sql.ErrConnDone) {
		return fmt.Errorf("%w: %v", store.ErrUnavailable, err)
	}

	var myErr *mysql.MySQLError
	if !errors.As(err, &myErr) {
		return err
	}
	switch myErr.Number {
	case erDupEntry:
		return fmt.Errorf("%w: %v", store.ErrDuplicate, err)
	case erBadNullError, erRowIsReferenced, erNoReferencedRow, erCheckConstraint:
		return fmt.Errorf("%w: %v", store.ErrInvalidEntity, err)
	case erConCount, erServerShutdown, erLockWaitTimeout, erLockDeadlock,
		erQueryInterrupted, erTooManyUserConns:
		return fmt.Errorf("%w: %v", store.ErrUnavailable, err)
	}
	return err
}
