package relay

import (
	"errors"
	"fmt"
)

// Kind categorises a relay failure so callers can react without parsing
// error strings.
type Kind int

const (
	// KindDNSFailed means the host name could not be resolved.
	KindDNSFailed Kind = iota + 1

	// KindDialFailed means the socket-level connect failed for every
	// candidate address.
	KindDialFailed

	// KindHandshakeFailed means a SOCKS5 (or similar) protocol setup
	// failed.
	KindHandshakeFailed

	// KindUnsupportedAddress means a domain address was received where
	// only a numeric one is accepted.
	KindUnsupportedAddress

	// KindTimeout means a per-attempt deadline elapsed.
	KindTimeout

	// KindOutboundExhausted means a composite handler tried every
	// child and all failed.
	KindOutboundExhausted

	// KindInvalidConfig means the handler's own state is corrupt (e.g.
	// a schedule index out of range). Fatal for the flow; never retried.
	KindInvalidConfig
)

// String implements fmt.Stringer.
func (k Kind) String() string {
	switch k {
	case KindDNSFailed:
		return "dns_failed"
	case KindDialFailed:
		return "dial_failed"
	case KindHandshakeFailed:
		return "handshake_failed"
	case KindUnsupportedAddress:
		return "unsupported_address"
	case KindTimeout:
		return "timeout"
	case KindOutboundExhausted:
		return "outbound_exhausted"
	case KindInvalidConfig:
		return "invalid_config"
	default:
		return "unknown"
	}
}

// Error is the single error type every handler operation returns.
type Error struct {
	// Kind categorises the failure.
	Kind Kind

	// Handler is the tag of the handler that produced this error, for
	// diagnostics. May be empty if the error originates below any
	// handler (e.g. in the DNS client itself).
	Handler string

	// Cause is the underlying error, if any. For KindOutboundExhausted
	// this is the last child's error, preserved for diagnostics only —
	// never unwrapped by callers that branch on child failure kind.
	Cause error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause == nil {
		return fmt.Sprintf("relay: %s [%s]", e.Kind, e.Handler)
	}
	return fmt.Sprintf("relay: %s [%s]: %v", e.Kind, e.Handler, e.Cause)
}

// Unwrap allows errors.Is / errors.As to reach Cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError builds a relay.Error.
func NewError(kind Kind, handler string, cause error) *Error {
	return &Error{Kind: kind, Handler: handler, Cause: cause}
}

// KindOf extracts the Kind from err, if it is (or wraps) a *Error.
// Returns ok=false for any other error.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return 0, false
}
