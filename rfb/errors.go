package rfb

import (
	"encoding/hex"
	"errors"
	"fmt"
)

// Kind is the category of a session failure. UI code maps kinds to messages like
// "connection rejected" or "wrong password" without parsing strings.
type Kind int

const (
	// KindProtocol covers malformed or unexpected bytes, unknown message types and desync
	KindProtocol Kind = iota
	// KindSecurityNegotiationFailed means the server offered no security types at all
	KindSecurityNegotiationFailed
	// KindUnsupportedSecurityType means none of the offered types is None or VNC Authentication
	KindUnsupportedSecurityType
	// KindAuthenticationFailed means the SecurityResult status was non-zero
	KindAuthenticationFailed
	// KindTransportClosed is not a protocol failure; the byte stream went away
	KindTransportClosed
)

func (k Kind) String() string {
	switch k {
	case KindProtocol:
		return "ProtocolError"
	case KindSecurityNegotiationFailed:
		return "SecurityNegotiationFailed"
	case KindUnsupportedSecurityType:
		return "UnsupportedSecurityType"
	case KindAuthenticationFailed:
		return "AuthenticationFailed"
	case KindTransportClosed:
		return "TransportClosed"
	default:
		return "Unknown"
	}
}

// Sentinels for errors.Is; any *Error of the same kind matches
var (
	ErrProtocol                  = &Error{Kind: KindProtocol}
	ErrSecurityNegotiationFailed = &Error{Kind: KindSecurityNegotiationFailed}
	ErrUnsupportedSecurityType   = &Error{Kind: KindUnsupportedSecurityType}
	ErrAuthenticationFailed      = &Error{Kind: KindAuthenticationFailed}
	ErrTransportClosed           = &Error{Kind: KindTransportClosed}
)

var (
	// ErrDegenerateResponse is returned when DES produced an all-zero auth response
	ErrDegenerateResponse = errors.New("all-zero authentication response")

	// ErrNotNormal is returned by operations that need a connected session
	ErrNotNormal = errors.New("session is not in the Normal stage")

	// ErrSessionClosed is returned once a session was torn down
	ErrSessionClosed = errors.New("session is closed")
)

// Error is a fatal session failure
type Error struct {
	Kind    Kind
	Stage   Stage
	Op      string
	Message string
	Reason  string // Server supplied reason string, if one was already buffered
	Raw     []byte // Offending bytes, for diagnostics
	Err     error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("rfb %s: %s (%s): %s", e.Kind, e.Op, e.Stage, e.Message)
	if e.Reason != "" {
		msg += fmt.Sprintf(": server said %q", e.Reason)
	}
	if len(e.Raw) > 0 {
		msg += ": raw " + hex.EncodeToString(e.Raw)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error of the same kind, so errors.Is(err, ErrAuthenticationFailed) works
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return e.Kind == t.Kind
	}
	return false
}

// KindOf extracts the kind from err, reporting false if err is not an *Error
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return 0, false
}

func newError(kind Kind, stage Stage, op, message string, raw []byte, err error) *Error {
	var rawCopy []byte
	if len(raw) > 0 {
		rawCopy = append([]byte(nil), raw...)
	}

	return &Error{
		Kind:    kind,
		Stage:   stage,
		Op:      op,
		Message: message,
		Raw:     rawCopy,
		Err:     err,
	}
}

func protocolError(stage Stage, op, message string, raw []byte) *Error {
	return newError(KindProtocol, stage, op, message, raw, nil)
}
