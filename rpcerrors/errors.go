// Package rpcerrors defines the error kinds shared by the client, the server and the
// connection manager, and RemoteError, the client-side image of a handler failure.
//
// Every error returned by this module can be matched with errors.Is against one of the
// kinds below:
//
//	ErrConfiguration  bad connection URI or config values, raised before any I/O
//	ErrValidation     bad command name, handler or argument, raised before any I/O
//	ErrConnection     broker unreachable (only ever logged by the retry loop)
//	ErrChannel        channel creation or a consumer stream failed
//	ErrDecode         malformed command or result payload
//	ErrNoChannel      operation attempted before Start
//	ErrClosed         operation attempted after Close
//	ErrRemote         the remote handler failed, see RemoteError
package rpcerrors

import (
	"fmt"

	"github.com/juju/errors"
)

const (
	ErrConfiguration = errors.ConstError("configuration error")
	ErrValidation    = errors.ConstError("validation error")
	ErrConnection    = errors.ConstError("connection error")
	ErrChannel       = errors.ConstError("channel error")
	ErrDecode        = errors.ConstError("decode error")
	ErrNoChannel     = errors.ConstError("no channel, Start must be called first")
	ErrClosed        = errors.ConstError("driver is closed")
	ErrRemote        = errors.ConstError("remote handler error")
)

// Newf returns an error of the given kind with a formatted detail message,
// e.g. "validation error: command name is required".
func Newf(kind errors.ConstError, format string, args ...any) error {
	return fmt.Errorf("%w: %s", kind, fmt.Sprintf(format, args...))
}

// Wrap marks err as being of the given kind. Both kind and err stay matchable
// with errors.Is.
func Wrap(kind errors.ConstError, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", kind, err)
}
