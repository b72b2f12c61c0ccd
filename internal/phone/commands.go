package phone

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Answer accepts the incoming call. It fails with ErrNoIncomingCall, without
// touching the daemon, unless the state is incoming. Local state is left for
// the daemon's signals to update.
func (m *Manager) Answer(ctx context.Context) error {
	m.mu.Lock()
	state, path := m.state, m.callPath
	m.mu.Unlock()

	if state != StateIncoming {
		return ErrNoIncomingCall
	}
	if path == "" {
		return &DaemonCallError{Method: "Answer", Err: ErrCallGone}
	}
	return m.invoke(ctx, path, "Answer")
}

// Hangup ends or rejects the current call. The local state is reset to idle
// and a snapshot emitted whether or not the daemon accepted the hangup, so
// the UI follows the user's intent; confirmed reports whether it did. A call
// that replaced the hung-up one while the daemon was busy is left alone.
func (m *Manager) Hangup(ctx context.Context) (confirmed bool, err error) {
	m.mu.Lock()
	state, path := m.state, m.callPath
	m.mu.Unlock()

	if state == StateIdle {
		return false, ErrNoActiveCall
	}

	var callErr error
	if path == "" {
		callErr = &DaemonCallError{Method: "Hangup", Err: ErrCallGone}
	} else {
		callErr = m.invoke(ctx, path, "Hangup")
	}
	confirmed = callErr == nil || errors.Is(callErr, ErrCallGone)
	if !confirmed {
		m.log.Warn().Err(callErr).Msg("hangup not confirmed by daemon, resetting local state")
	}

	m.update(func() bool {
		if m.state == StateIdle || m.callPath != path {
			// The call ended or was replaced while the daemon was busy.
			return false
		}
		m.endCallLocked()
		return true
	})
	return confirmed, nil
}

// Reject is an alias for Hangup.
func (m *Manager) Reject(ctx context.Context) (confirmed bool, err error) {
	return m.Hangup(ctx)
}

// Dial sanitizes number and, with a phone connected, reports ErrNotSupported:
// BlueZ offers no way to place an outgoing call without a telephony stack on
// the phone side.
func (m *Manager) Dial(number string) (sanitized string, err error) {
	sanitized = SanitizeNumber(number)
	if sanitized == "" {
		return "", ErrNoNumber
	}
	m.mu.Lock()
	connected := m.device != nil
	m.mu.Unlock()
	if !connected {
		return sanitized, ErrNoPhone
	}
	m.log.Warn().Str("number", sanitized).Msg("outgoing calls are not available over the phone link")
	return sanitized, ErrNotSupported
}

// SendDTMF requires an active call and then reports ErrNotImplemented.
func (m *Manager) SendDTMF(digit string) error {
	m.mu.Lock()
	state := m.state
	m.mu.Unlock()
	if state != StateActive {
		return ErrNoActiveCall
	}
	return ErrNotImplemented
}

// SanitizeNumber keeps digits and the symbols + * #.
func SanitizeNumber(number string) string {
	var b strings.Builder
	for _, r := range number {
		if (r >= '0' && r <= '9') || r == '+' || r == '*' || r == '#' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// invoke tries the direct call control first and the fallback second. A
// method the object does not support, or an object that is gone, is not
// retried through the fallback.
func (m *Manager) invoke(ctx context.Context, path, method string) error {
	var last error
	if m.direct != nil {
		err := m.attempt(ctx, m.direct, path, method)
		if err == nil {
			m.log.Info().Str("method", method).Str("path", path).Msg("call method sent over D-Bus")
			return nil
		}
		if errors.Is(err, ErrMethodUnsupported) || errors.Is(err, ErrCallGone) {
			return &DaemonCallError{Method: method, Path: path, Err: err}
		}
		m.log.Warn().Err(err).Str("method", method).Msg("direct call failed, trying fallback")
		last = err
	}
	if m.fallback != nil {
		err := m.attempt(ctx, m.fallback, path, method)
		if err == nil {
			m.log.Info().Str("method", method).Str("path", path).Msg("call method sent via fallback")
			return nil
		}
		m.log.Error().Err(err).Str("method", method).Msg("fallback call failed")
		last = err
	}
	if last == nil {
		last = errors.New("no call control available")
	}
	return &DaemonCallError{Method: method, Path: path, Err: last}
}

func (m *Manager) attempt(ctx context.Context, cc CallControl, path, method string) (err error) {
	ctx, cancel := context.WithTimeout(ctx, m.callTimeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("call control panicked: %v", r)
		}
	}()
	return cc.Call(ctx, path, method)
}
