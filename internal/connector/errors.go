package connector

import (
	"errors"
	"fmt"

	ldapclient "github.com/isometry/ldap-connector/internal/ldap"
)

var (
	// ErrConfiguration marks mistakes in the request or object definition:
	// a missing primary key or DN, conflicting DN indicators, or a dynamic
	// attribute without a resolver. These are never retried.
	ErrConfiguration = errors.New("configuration error")

	// ErrObjectNotFound is returned by RemoveAttributes and SetAttribute
	// when no entry matches.
	ErrObjectNotFound = errors.New("object not found")
)

// OperationError identifies the sub-operation of a connector call that
// failed. Err is typically an *ldap.LDAPError carrying the result code.
type OperationError struct {
	Operation string
	DN        string
	Err       error
}

func (e *OperationError) Error() string {
	if e.DN == "" {
		return fmt.Sprintf("%s failed: %v", e.Operation, e.Err)
	}
	return fmt.Sprintf("%s of %s failed: %v", e.Operation, e.DN, e.Err)
}

func (e *OperationError) Unwrap() error {
	return e.Err
}

// ResultCode returns the directory result code of the cause, or 0.
func (e *OperationError) ResultCode() uint16 {
	return ldapclient.ResultCode(e.Err)
}

func operationError(operation, dn string, err error) error {
	if err == nil {
		return nil
	}
	return &OperationError{Operation: operation, DN: dn, Err: err}
}

func configError(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrConfiguration, fmt.Sprintf(format, args...))
}

func notFoundError(pkey, dn string) error {
	switch {
	case dn != "" && pkey != "":
		return fmt.Errorf("%w: pkey %q, dn %q", ErrObjectNotFound, pkey, dn)
	case dn != "":
		return fmt.Errorf("%w: dn %q", ErrObjectNotFound, dn)
	default:
		return fmt.Errorf("%w: pkey %q", ErrObjectNotFound, pkey)
	}
}
