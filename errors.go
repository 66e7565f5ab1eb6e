package objdb

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotSupported means the durable backing store cannot be opened here.
	ErrNotSupported = errors.New("durable storage not supported")
	// ErrVersionMismatch is returned by Open when the stored version is higher than requested.
	ErrVersionMismatch = errors.New("version mismatch")
	// ErrMigrationFailed wraps whatever made an upgrade abort.
	ErrMigrationFailed = errors.New("migration failed")

	ErrAlreadyExists = errors.New("already exists")
	ErrNotFound      = errors.New("not found")

	// ErrConstraint is a primary key or unique index collision.
	ErrConstraint = errors.New("constraint violation")

	ErrTransactionInactive = errors.New("transaction inactive")
	ErrAborted             = errors.New("transaction aborted")
	ErrCursorInvalid       = errors.New("cursor invalid")
	ErrReadOnly            = errors.New("read-only transaction")
	ErrInvalidKey          = errors.New("invalid key")
	ErrInvalidName         = errors.New("invalid name")
	ErrInvalidState        = errors.New("invalid state")
	ErrClosed              = errors.New("closed")
)

type DataError struct {
	Data []byte
	Off  int
	Err  error
	Msg  string
}

func dataErrf(data []byte, off int, err error, format string, args ...any) error {
	return &DataError{data, off, err, fmt.Sprintf(format, args...)}
}

func (e *DataError) Unwrap() error {
	return e.Err
}

func (e *DataError) Error() string {
	const prefixLen = 64
	const suffixLen = 32
	n := len(e.Data)
	if n <= prefixLen+suffixLen {
		if e.Err != nil {
			return fmt.Sprintf("%s: %v: (%d) %x", e.Msg, e.Err, n, e.Data)
		} else {
			return fmt.Sprintf("%s: (%d) %x", e.Msg, n, e.Data)
		}
	} else {
		p, s := e.Data[:prefixLen], e.Data[n-suffixLen:]
		if e.Err != nil {
			return fmt.Sprintf("%s: %v: (%d) %x...%x", e.Msg, e.Err, n, p, s)
		} else {
			return fmt.Sprintf("%s: (%d) %x...%x", e.Msg, n, p, s)
		}
	}
}

// StoreError attaches the object store, index and key to a failure.
// Err is usually one of the sentinel errors above, so errors.Is works.
type StoreError struct {
	Store string
	Index string
	Key   any
	Msg   string
	Err   error
}

func storeErrf(store, index string, key any, err error, format string, args ...any) error {
	return &StoreError{store, index, key, fmt.Sprintf(format, args...), err}
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

func (e *StoreError) Error() string {
	var buf strings.Builder
	buf.WriteString(e.Store)
	if e.Index != "" {
		buf.WriteByte('.')
		buf.WriteString(e.Index)
	}
	if e.Key != nil {
		buf.WriteByte('/')
		fmt.Fprint(&buf, e.Key)
	}
	if e.Msg != "" {
		buf.WriteString(": ")
		buf.WriteString(e.Msg)
		if e.Err != nil {
			buf.WriteString(": ")
			buf.WriteString(e.Err.Error())
		}
	} else if e.Err != nil {
		buf.WriteString(": ")
		buf.WriteString(e.Err.Error())
	}
	return buf.String()
}
