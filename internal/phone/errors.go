package phone

import (
	"errors"
	"fmt"
)

var (
	// ErrLinkUnavailable means the signal bus could not be used; the manager
	// then degrades to polling.
	ErrLinkUnavailable = errors.New("phone link unavailable")

	ErrNoIncomingCall = errors.New("no incoming call to answer")
	ErrNoActiveCall   = errors.New("no active call")
	ErrNoNumber       = errors.New("no number provided")
	ErrNoPhone        = errors.New("no phone connected")

	// ErrNotSupported and ErrNotImplemented are permanent capability gaps.
	ErrNotSupported   = errors.New("outgoing calls require phone initiation")
	ErrNotImplemented = errors.New("dtmf not implemented")

	// ErrMethodUnsupported is returned by a CallControl when the daemon
	// object does not offer the method. It is not retried via the fallback.
	ErrMethodUnsupported = errors.New("method not supported by call object")

	// ErrCallGone is returned by a CallControl when the call object no
	// longer exists on the bus.
	ErrCallGone = errors.New("call object no longer exists")
)

// DaemonCallError reports a call method that failed on every available path.
type DaemonCallError struct {
	Method string
	Path   string
	Err    error
}

func (e *DaemonCallError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Method, e.Path, e.Err)
}

func (e *DaemonCallError) Unwrap() error { return e.Err }

// IsPermanent reports whether err is a capability gap that retrying cannot fix.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrNotSupported) ||
		errors.Is(err, ErrNotImplemented) ||
		errors.Is(err, ErrMethodUnsupported)
}
