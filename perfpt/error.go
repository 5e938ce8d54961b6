package perfpt

import (
	"fmt"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"hwtracer/internal/ipt"
)

// Kind classifies a decoder failure.
type Kind uint8

const (
	// KindUnknown failures carry code 0.
	KindUnknown Kind = iota
	// KindEngine failures carry the engine's positive error code.
	KindEngine
	// KindOS failures carry an errno value.
	KindOS
	// KindContractViolation reports engine behaviour the decoder does not
	// handle. The code is the offending status, event type or instruction
	// class when there is one.
	KindContractViolation
)

var kindNames = [...]string{
	KindUnknown:           "unknown",
	KindEngine:            "engine-error",
	KindOS:                "os-error",
	KindContractViolation: "contract-violation",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("kind(%d)", k)
}

// Error is the single error type returned by Decoder operations. It is always
// fully populated.
type Error struct {
	Kind   Kind
	Code   int
	Detail string

	cause error
}

func (e *Error) Error() string {
	switch e.Kind {
	case KindEngine:
		return fmt.Sprintf("perfpt: %s %s: %s", e.Kind, ipt.Code(e.Code).Name(), e.Detail)
	case KindOS:
		if name := unix.ErrnoName(unix.Errno(e.Code)); name != "" {
			return fmt.Sprintf("perfpt: %s %s: %s", e.Kind, name, e.Detail)
		}
	}
	return fmt.Sprintf("perfpt: %s %d: %s", e.Kind, e.Code, e.Detail)
}

func (e *Error) Unwrap() error { return e.cause }

// Is matches a target *Error of the same kind and code whose Detail is empty.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok || t.Detail != "" {
		return false
	}
	return t.Kind == e.Kind && t.Code == e.Code
}

// ErrOverflow matches the failure reported when the trace buffer overflowed.
var ErrOverflow = &Error{Kind: KindEngine, Code: int(ipt.CodeOverflow)}

var errClosed = &Error{Kind: KindContractViolation, Detail: "decoder used after close"}

func violation(code int, format string, args ...interface{}) *Error {
	return &Error{Kind: KindContractViolation, Code: code, Detail: fmt.Sprintf(format, args...)}
}

// toError classifies err. Engine and errno causes keep their kind wherever
// they sit in the chain. Anything else gets fallback, which for KindOS
// means EIO.
func toError(err error, fallback Kind) *Error {
	var perr *Error
	if errors.As(err, &perr) {
		return perr
	}
	e := &Error{Kind: fallback, Detail: err.Error(), cause: err}

	var ierr *ipt.Error
	var errno unix.Errno
	switch {
	case errors.As(err, &ierr):
		e.Kind, e.Code = KindEngine, int(ierr.Code)
	case errors.As(err, &errno):
		e.Kind, e.Code = KindOS, int(errno)
	case fallback == KindOS:
		e.Code = int(unix.EIO)
	}
	return e
}
