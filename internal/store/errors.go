package store

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"strings"
)

// Kind classifies store failures so callers can branch on outcome instead of
// parsing messages.
type Kind int

const (
	KindUnknown Kind = iota
	// KindValidation: bad input, caught before staging.
	KindValidation
	// KindNotFound: missing id, branch or namespace.
	KindNotFound
	// KindStaging: recording a staged row failed; the batch does not commit.
	KindStaging
	// KindCommit: the commit transaction failed and was rolled back.
	KindCommit
	// KindConflict: merge found rows changed on both sides.
	KindConflict
	// KindConnection: infrastructure failure; retryable by the caller.
	KindConnection
	// KindUnknownOutcome: the request deadline expired while a commit was running.
	KindUnknownOutcome
	// KindStale: a staged row changed on the branch after it was staged.
	KindStale
)

var (
	ErrValidation     = errors.New("validation error")
	ErrNotFound       = errors.New("not found")
	ErrStaging        = errors.New("staging error")
	ErrCommit         = errors.New("commit error")
	ErrConflict       = errors.New("merge conflict")
	ErrConnection     = errors.New("connection error")
	ErrUnknownOutcome = errors.New("commit outcome unknown")
	ErrStale          = errors.New("stale stage")
)

// ErrStoreClosed is returned when an operation is attempted on a closed store.
var ErrStoreClosed = errors.New("store is closed")

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindNotFound:
		return "not_found"
	case KindStaging:
		return "staging"
	case KindCommit:
		return "commit"
	case KindConflict:
		return "conflict"
	case KindConnection:
		return "connection"
	case KindUnknownOutcome:
		return "unknown_outcome"
	case KindStale:
		return "stale"
	default:
		return "unknown"
	}
}

func (k Kind) sentinel() error {
	switch k {
	case KindValidation:
		return ErrValidation
	case KindNotFound:
		return ErrNotFound
	case KindStaging:
		return ErrStaging
	case KindCommit:
		return ErrCommit
	case KindConflict:
		return ErrConflict
	case KindConnection:
		return ErrConnection
	case KindUnknownOutcome:
		return ErrUnknownOutcome
	case KindStale:
		return ErrStale
	}
	return nil
}

// Error is a classified store failure. Branch is the branch the failing
// connection was executing against; lookups that ran outside a branch
// connection leave it empty and name what they looked up in Err.
type Error struct {
	Kind   Kind
	Op     string
	Branch string
	ID     string
	Err    error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Op)
	if e.Branch != "" {
		fmt.Fprintf(&b, " [branch %s]", e.Branch)
	}
	if e.ID != "" {
		fmt.Fprintf(&b, " %s", e.ID)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	} else {
		b.WriteString(": ")
		b.WriteString(e.Kind.String())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches the sentinel of the error's kind, so errors.Is(err, ErrCommit) works.
func (e *Error) Is(target error) bool {
	s := e.Kind.sentinel()
	return s != nil && target == s
}

func newError(kind Kind, op, branch string, err error) *Error {
	return &Error{Kind: kind, Op: op, Branch: branch, Err: err}
}

// KindOf returns the kind of the outermost *Error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// IsRetryable reports whether the caller may retry the request once.
func IsRetryable(err error) bool {
	return KindOf(err) == KindConnection
}

// isConnectionError reports whether err comes from the database link rather
// than from the statement itself.
func isConnectionError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) || errors.Is(err, ErrStoreClosed) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	s := strings.ToLower(err.Error())
	return strings.Contains(s, "database is closed") ||
		strings.Contains(s, "database is locked") ||
		strings.Contains(s, "unable to open database") ||
		strings.Contains(s, "disk i/o error") ||
		strings.Contains(s, "bad connection")
}

// classify wraps err as a connection error when it is one and as fallback otherwise.
func classify(fallback Kind, op, branch string, err error) *Error {
	if isConnectionError(err) {
		return newError(KindConnection, op, branch, err)
	}
	return newError(fallback, op, branch, err)
}
