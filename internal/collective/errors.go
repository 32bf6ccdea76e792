package collective

import (
	"errors"
	"fmt"
)

var (
	// ErrUnsupported is returned synchronously for operations the backend
	// does not implement.
	ErrUnsupported = errors.New("collective: unsupported operation")
	// ErrClosed is returned when work is submitted to a closed group.
	ErrClosed = errors.New("collective: process group closed")
	// ErrInvalid reports a malformed argument detected before enqueueing.
	ErrInvalid = errors.New("collective: invalid argument")
	// ErrPending is returned by IsSuccess before the work has completed.
	ErrPending = errors.New("collective: work has not completed")
)

// Transport error codes carried by Error.
const (
	CodeTruncate = iota + 1
	CodeRank
	CodeClosed
	CodeCanceled
	CodePanic
)

// Error is a failure raised while executing an operation on the transport.
// It is stored on the work handle and returned by Wait.
type Error struct {
	Op   string
	Code int
	Msg  string
}

func (e *Error) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("collective: error code %d: %s", e.Code, e.Msg)
	}
	return fmt.Sprintf("collective: %s: error code %d: %s", e.Op, e.Code, e.Msg)
}

// Is matches errors with the same code so callers can test for
// &Error{Code: CodeClosed}.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code && (t.Op == "" || t.Op == e.Op)
}

// asError tags a transport failure with the operation that hit it.
func asError(op string, err error) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		if e.Op == "" {
			return &Error{Op: op, Code: e.Code, Msg: e.Msg}
		}
		return e
	}
	return &Error{Op: op, Code: CodePanic, Msg: err.Error()}
}

func invalid(op, format string, args ...any) error {
	return fmt.Errorf("%w: %s: %s", ErrInvalid, op, fmt.Sprintf(format, args...))
}
