package main

import (
	"errors"
	"fmt"

	"github.com/regginator/vconsole/rfb"
)

var errTimeout = errors.New("timed out waiting for the server")

// Turn a session failure into what a user should be told
func describe(err error) error {
	if err == nil {
		return nil
	}

	var sessErr *rfb.Error
	if !errors.As(err, &sessErr) {
		return err
	}

	var msg string
	switch sessErr.Kind {
	case rfb.KindSecurityNegotiationFailed:
		msg = "connection rejected by server"
	case rfb.KindUnsupportedSecurityType:
		msg = "server only offers unsupported authentication types"
	case rfb.KindAuthenticationFailed:
		msg = "wrong password"
	case rfb.KindTransportClosed:
		msg = "connection lost"
	default:
		msg = "server sent something unexpected"
	}

	if sessErr.Reason != "" {
		msg = fmt.Sprintf("%s (server said %q)", msg, sessErr.Reason)
	}
	return &userError{msg: msg, err: err}
}

// Prints as the plain message but still unwraps to the session error
type userError struct {
	msg string
	err error
}

func (e *userError) Error() string { return e.msg }
func (e *userError) Unwrap() error { return e.err }
