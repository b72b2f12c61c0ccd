// Package phone tracks the call state of a Bluetooth-linked phone and
// republishes every change as a Status snapshot.
//
// A Manager consumes events from a LinkSource (normally BlueZ signals), keeps
// one authoritative call state plus a recent calls log, and exposes call
// control commands. All state lives behind a single mutex; snapshots are
// delivered through a Broadcaster after the mutex is released.
package phone

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Options configures a Manager. Every collaborator is optional: a nil Link
// puts the manager in polling mode, a nil Lister disables polling, and nil
// call controls make commands fail with a DaemonCallError.
type Options struct {
	Link     LinkSource
	Lister   DeviceLister
	Direct   CallControl
	Fallback CallControl

	PollInterval time.Duration
	CallTimeout  time.Duration
	StopGrace    time.Duration

	Log zerolog.Logger

	// Now and NewID are replaced in tests.
	Now   func() time.Time
	NewID func() string
}

// Manager is the call state machine for one phone link.
type Manager struct {
	link     LinkSource
	lister   DeviceLister
	direct   CallControl
	fallback CallControl

	pollInterval time.Duration
	callTimeout  time.Duration
	stopGrace    time.Duration

	log    zerolog.Logger
	now    func() time.Time
	newID  func() string
	fanout *Broadcaster

	life   sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
	linkUp atomic.Bool

	mu         sync.Mutex
	seq        uint64
	device     *Device
	state      CallState
	callerID   string
	callerName string
	callPath   string
	pending    *pendingCall
	recent     []RecentCall
}

// pendingCall is identity reported for a call object before it has a state.
type pendingCall struct {
	path       string
	callerID   string
	callerName string
}

// New returns an idle manager. Call Start to begin consuming link events.
func New(opts Options) *Manager {
	m := &Manager{
		link:         opts.Link,
		lister:       opts.Lister,
		direct:       opts.Direct,
		fallback:     opts.Fallback,
		pollInterval: opts.PollInterval,
		callTimeout:  opts.CallTimeout,
		stopGrace:    opts.StopGrace,
		log:          opts.Log,
		now:          opts.Now,
		newID:        opts.NewID,
		state:        StateIdle,
	}
	if m.pollInterval <= 0 {
		m.pollInterval = 3 * time.Second
	}
	if m.callTimeout <= 0 {
		m.callTimeout = 5 * time.Second
	}
	if m.stopGrace <= 0 {
		m.stopGrace = 2 * time.Second
	}
	if m.now == nil {
		m.now = time.Now
	}
	if m.newID == nil {
		m.newID = func() string { return uuid.New().String() }
	}
	m.fanout = NewBroadcaster(m.log.With().Str("component", "fanout").Logger())
	return m
}

// Start begins consuming link events and starts the polling safety net. It is
// idempotent. A link that cannot be started is reported as an error wrapping
// ErrLinkUnavailable, but the manager keeps running in polling mode.
func (m *Manager) Start(ctx context.Context) error {
	m.life.Lock()
	defer m.life.Unlock()
	if m.cancel != nil {
		return nil
	}
	ctx, m.cancel = context.WithCancel(ctx)

	var linkErr error
	if m.link == nil {
		linkErr = ErrLinkUnavailable
	} else if err := m.link.Start(ctx, m); err != nil {
		linkErr = fmt.Errorf("%w: %v", ErrLinkUnavailable, err)
	}
	if linkErr != nil {
		m.log.Warn().Err(linkErr).Msg("signal link unavailable, using polling mode")
	} else {
		m.linkUp.Store(true)
		m.log.Info().Msg("signal link started")
	}

	m.wg.Add(1)
	go m.pollLoop(ctx)
	return linkErr
}

// Stop halts the link and the polling loop, waiting at most the configured
// grace period for them to exit.
func (m *Manager) Stop() {
	m.life.Lock()
	defer m.life.Unlock()
	if m.cancel == nil {
		return
	}
	m.cancel()
	m.cancel = nil
	if m.link != nil {
		if err := m.link.Close(); err != nil {
			m.log.Warn().Err(err).Msg("closing signal link")
		}
	}
	m.linkUp.Store(false)

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(m.stopGrace):
		m.log.Warn().Dur("grace", m.stopGrace).Msg("phone manager did not stop in time")
	}
	m.log.Info().Msg("phone manager stopped")
}

// LinkMode reports "signals" while the signal link is running, else "polling".
func (m *Manager) LinkMode() string {
	if m.linkUp.Load() {
		return "signals"
	}
	return "polling"
}

// Subscribe registers fn for every future snapshot.
func (m *Manager) Subscribe(fn func(Status)) (cancel func()) {
	return m.fanout.Subscribe(fn)
}

// Stream registers a bounded snapshot queue for a streaming client.
func (m *Manager) Stream(size int) (<-chan Status, func()) {
	return m.fanout.Stream(size)
}

// Status returns a fresh snapshot of the current state.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

// RecentCalls returns the full recent calls log, most recent first.
func (m *Manager) RecentCalls() []RecentCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]RecentCall, len(m.recent))
	copy(out, m.recent)
	return out
}

// update runs fn under the state lock and, if fn reports a change, publishes
// exactly one snapshot after the lock is released.
func (m *Manager) update(fn func() bool) {
	m.mu.Lock()
	if !fn() {
		m.mu.Unlock()
		return
	}
	m.seq++
	st := m.snapshotLocked()
	st.seq = m.seq
	m.mu.Unlock()
	m.fanout.Publish(st)
}

func (m *Manager) snapshotLocked() Status {
	n := len(m.recent)
	if n > statusRecentCalls {
		n = statusRecentCalls
	}
	recent := make([]RecentCall, n)
	copy(recent, m.recent[:n])

	st := Status{
		CallState:   m.state,
		State:       m.state,
		CallerID:    optional(m.callerID),
		Caller:      optional(m.callerID),
		CallerName:  optional(m.callerName),
		RecentCalls: recent,
	}
	if m.device != nil {
		st.Connected = true
		st.Device = optional(m.device.Address)
		st.DeviceName = optional(m.device.Name)
	}
	return st
}

// DeviceChanged implements LinkHandler.
func (m *Manager) DeviceChanged(u DeviceUpdate) {
	m.update(func() bool {
		switch {
		case u.Connected != nil && *u.Connected:
			name := u.Name
			if name == "" {
				name = "Unknown"
			}
			m.device = &Device{Address: u.Address, Name: name, Connected: true}
			m.log.Info().Str("device", u.Address).Str("name", name).Msg("phone connected")
		case u.Connected != nil:
			m.log.Info().Str("device", u.Address).Msg("phone disconnected")
			m.device = nil
			m.resetCallLocked()
		case u.Name != "":
			if m.device == nil || (u.Address != "" && u.Address != m.device.Address) {
				return false
			}
			m.device.Name = u.Name
		default:
			return false
		}
		return true
	})
}

// CallAdded implements LinkHandler.
func (m *Manager) CallAdded(path string, props CallProps) {
	m.update(func() bool {
		m.log.Info().Str("path", path).Msg("call detected")
		m.applyCallPropsLocked(path, props, true)
		return true
	})
}

// CallPropertiesChanged implements LinkHandler.
func (m *Manager) CallPropertiesChanged(path string, props CallProps) {
	m.update(func() bool {
		if props.State == nil && props.LineIdentification == nil && props.Name == nil {
			return false
		}
		m.applyCallPropsLocked(path, props, false)
		return true
	})
}

// CallRemoved implements LinkHandler. Removal of a call other than the
// tracked one only drops what is held for it.
func (m *Manager) CallRemoved(path string) {
	m.update(func() bool {
		if m.callPath != "" && m.callPath != path {
			if m.pending != nil && m.pending.path == path {
				m.pending = nil
			}
			m.log.Debug().Str("path", path).Msg("untracked call removed")
			return false
		}
		m.log.Info().Str("path", path).Msg("call ended")
		m.endCallLocked()
		return true
	})
}

// applyCallPropsLocked folds props into the call state. While idle, identity
// seen without a State is held back and only becomes visible once the call
// reaches a non-idle state, so caller identity and call ref stay empty while
// idle.
func (m *Manager) applyCallPropsLocked(path string, props CallProps, added bool) {
	next := m.state
	if props.State != nil {
		st, known := MapDaemonState(*props.State)
		if !known {
			m.log.Warn().Str("state", *props.State).Msg("unrecognized call state")
		}
		next = st
	}

	if next == StateIdle {
		if props.State != nil && m.callPath != "" && path != m.callPath {
			if m.pending != nil && m.pending.path == path {
				m.pending = nil
			}
			return
		}
		if props.State != nil {
			if m.state != StateIdle {
				m.applyIdentityLocked(props)
			}
			m.endCallLocked()
			return
		}
		m.holdPendingLocked(path, props)
		return
	}

	if m.state != StateIdle && props.State == nil && !added && path != m.callPath {
		return
	}
	if m.state == StateIdle {
		if p := m.pending; p != nil && p.path == path {
			m.callerID, m.callerName = p.callerID, p.callerName
		}
		m.pending = nil
		m.callPath = path
	} else if added || props.State != nil {
		m.callPath = path
	}
	m.applyIdentityLocked(props)
	if m.state != next {
		m.state = next
		m.log.Info().Str("state", string(next)).Msg("call state updated")
	}
}

func (m *Manager) applyIdentityLocked(props CallProps) {
	if props.LineIdentification != nil {
		m.callerID = *props.LineIdentification
	}
	if props.Name != nil {
		m.callerName = *props.Name
	}
}

func (m *Manager) holdPendingLocked(path string, props CallProps) {
	if m.pending == nil || m.pending.path != path {
		m.pending = &pendingCall{path: path}
	}
	if props.LineIdentification != nil {
		m.pending.callerID = *props.LineIdentification
	}
	if props.Name != nil {
		m.pending.callerName = *props.Name
	}
}

// endCallLocked records the current caller, if any, in the recent calls log
// and returns to idle.
func (m *Manager) endCallLocked() {
	if m.callerID != "" {
		dir := DirectionOutgoing
		if m.state == StateIncoming {
			dir = DirectionIncoming
		}
		name := m.callerName
		if name == "" {
			name = m.callerID
		}
		entry := RecentCall{
			ID:        m.newID(),
			Number:    m.callerID,
			Name:      name,
			Direction: dir,
			Type:      dir,
			Time:      m.now().Format("15:04"),
		}
		m.recent = append([]RecentCall{entry}, m.recent...)
		if len(m.recent) > maxRecentCalls {
			m.recent = m.recent[:maxRecentCalls]
		}
	}
	m.resetCallLocked()
}

func (m *Manager) resetCallLocked() {
	m.state = StateIdle
	m.callerID = ""
	m.callerName = ""
	m.callPath = ""
	m.pending = nil
}

func (m *Manager) pollLoop(ctx context.Context) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if m.linkUp.Load() || m.lister == nil {
			continue
		}
		if err := m.pollOnce(ctx); err != nil {
			m.log.Debug().Err(err).Msg("device poll failed")
		}
	}
}

func (m *Manager) pollOnce(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, m.callTimeout)
	defer cancel()
	devices, err := m.lister.ConnectedDevices(ctx)
	if err != nil {
		return err
	}
	m.update(func() bool {
		if len(devices) == 0 {
			if m.device == nil {
				return false
			}
			m.log.Info().Str("device", m.device.Address).Msg("phone no longer listed as connected")
			m.device = nil
			m.resetCallLocked()
			return true
		}
		d := devices[0]
		if m.device != nil && m.device.Address == d.Address {
			return false
		}
		m.device = &Device{Address: d.Address, Name: d.Name, Connected: true}
		m.log.Info().Str("device", d.Address).Str("name", d.Name).Msg("phone connected (polled)")
		return true
	})
	return nil
}
