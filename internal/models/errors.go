package models

import "fmt"

// Kind classifies a library error per spec.md §7. Kind is used by
// callers (in particular the bus loop) to decide whether a failure is
// retried, triggers sensor recovery, or surfaces directly.
type Kind string

const (
	KindTransportFailure      Kind = "transport_failure"
	KindProtocolTimeout       Kind = "protocol_timeout"
	KindCRCMismatch           Kind = "crc_mismatch"
	KindBusClosed             Kind = "bus_closed"
	KindInvalidHandle         Kind = "invalid_handle"
	KindArgumentError         Kind = "argument_error"
	KindConfigurationConflict Kind = "configuration_conflict"
)

// Error is a classified library error. It wraps an optional underlying
// cause so callers can still use errors.Is/errors.As against it.
type Error struct {
	Kind Kind
	Op   string // operation that failed, e.g. "transport.open"
	Err  error  // underlying cause, may be nil
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// Is lets errors.Is(err, ErrTransportFailure) etc. match on Kind alone.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Err == nil && t.Kind == e.Kind
}

func newErr(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func TransportFailure(op string, err error) *Error { return newErr(KindTransportFailure, op, err) }
func ProtocolTimeout(op string) *Error              { return newErr(KindProtocolTimeout, op, nil) }
func CRCMismatch(op string) *Error                  { return newErr(KindCRCMismatch, op, nil) }
func BusClosed(op string) *Error                    { return newErr(KindBusClosed, op, nil) }
func InvalidHandle(op string) *Error                { return newErr(KindInvalidHandle, op, nil) }
func ArgumentError(op, msg string) *Error {
	return newErr(KindArgumentError, op, fmt.Errorf("%s", msg))
}
func ConfigurationConflict(op, msg string) *Error {
	return newErr(KindConfigurationConflict, op, fmt.Errorf("%s", msg))
}

// Sentinels for errors.Is comparisons where no op-specific message is needed.
var (
	ErrTransportFailure      = &Error{Kind: KindTransportFailure}
	ErrProtocolTimeout       = &Error{Kind: KindProtocolTimeout}
	ErrCRCMismatch           = &Error{Kind: KindCRCMismatch}
	ErrBusClosed             = &Error{Kind: KindBusClosed}
	ErrInvalidHandle         = &Error{Kind: KindInvalidHandle}
	ErrArgumentError         = &Error{Kind: KindArgumentError}
	ErrConfigurationConflict = &Error{Kind: KindConfigurationConflict}
)

// IsKind reports whether err is a *Error of the given kind.
func IsKind(err error, kind Kind) bool {
	e, ok := err.(*Error)
	if !ok {
		return false
	}
	return e.Kind == kind
}
