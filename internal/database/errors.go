package database

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"net"

	"bangate/internal/domain"
)

var (
	// ErrConnection marks failures to obtain or keep a usable connection.
	ErrConnection = errors.New("database: connection unavailable")
	// ErrQuery marks statement failures on an otherwise healthy connection.
	ErrQuery = errors.New("database: query failed")
	// ErrNotFound is returned by Find when no ban exists for the key.
	ErrNotFound = errors.New("database: ban not found")
	// ErrInvalid rejects a mutation before it reaches storage.
	ErrInvalid = errors.New("database: invalid ban")
)

// OpError describes a failed store operation.
type OpError struct {
	Op     string
	Target domain.Target
	Kind   error
	Err    error
}

func (e *OpError) Error() string {
	return fmt.Sprintf("database: %s %s: %v", e.Op, e.Target, e.Err)
}

func (e *OpError) Unwrap() []error {
	return []error{e.Kind, e.Err}
}

func opError(op string, target domain.Target, err error) error {
	if err == nil {
		return nil
	}
	kind := ErrQuery
	if errors.Is(err, ErrConnection) || isConnectionFault(err) {
		kind = ErrConnection
	}
	return &OpError{Op: op, Target: target, Kind: kind, Err: err}
}

func isConnectionFault(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) {
		return true
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}
