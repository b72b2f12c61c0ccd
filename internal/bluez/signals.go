package bluez

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/rs/zerolog"

	"github.com/carpi/headunit/internal/phone"
)

// SignalSource is a phone.LinkSource fed by BlueZ signals on the system bus.
type SignalSource struct {
	bus         *Bus
	log         zerolog.Logger
	propTimeout time.Duration

	// deviceInfo is replaced in tests.
	deviceInfo func(ctx context.Context, path dbus.ObjectPath) (addr, name string, err error)

	mu      sync.Mutex
	started bool
	closed  bool
	sigCh   chan *dbus.Signal
	stop    chan struct{}
	done    chan struct{}
}

// NewSignalSource returns a source reading from bus. propTimeout bounds each
// property read made while handling a signal.
func NewSignalSource(bus *Bus, propTimeout time.Duration, log zerolog.Logger) *SignalSource {
	s := &SignalSource{bus: bus, log: log, propTimeout: propTimeout}
	if bus != nil {
		s.deviceInfo = bus.deviceInfo
	}
	return s
}

func (s *SignalSource) matchOptions() [][]dbus.MatchOption {
	return [][]dbus.MatchOption{
		{dbus.WithMatchSender(busName), dbus.WithMatchInterface(propsIface), dbus.WithMatchMember("PropertiesChanged")},
		{dbus.WithMatchSender(busName), dbus.WithMatchInterface(objManagerIface), dbus.WithMatchMember("InterfacesAdded")},
		{dbus.WithMatchSender(busName), dbus.WithMatchInterface(objManagerIface), dbus.WithMatchMember("InterfacesRemoved")},
	}
}

// Start implements phone.LinkSource.
func (s *SignalSource) Start(ctx context.Context, h phone.LinkHandler) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("bluez: signal source closed")
	}
	if s.started {
		return nil
	}
	if s.bus == nil {
		return errors.New("bluez: no system bus")
	}

	for _, opts := range s.matchOptions() {
		if err := s.bus.conn.AddMatchSignal(opts...); err != nil {
			s.removeMatches()
			return fmt.Errorf("bluez: AddMatchSignal: %w", err)
		}
	}
	s.sigCh = make(chan *dbus.Signal, 32)
	s.bus.conn.Signal(s.sigCh)

	s.enumerate(ctx, h)

	s.stop = make(chan struct{})
	s.done = make(chan struct{})
	s.started = true
	go s.run(ctx, h)
	return nil
}

// Close implements phone.LinkSource.
func (s *SignalSource) Close() error {
	s.mu.Lock()
	if s.closed || !s.started {
		s.closed = true
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.removeMatches()
	s.bus.conn.RemoveSignal(s.sigCh)
	close(s.stop)
	done := s.done
	s.mu.Unlock()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		return errors.New("bluez: signal dispatch did not stop")
	}
	return nil
}

func (s *SignalSource) removeMatches() {
	for _, opts := range s.matchOptions() {
		_ = s.bus.conn.RemoveMatchSignal(opts...)
	}
}

// enumerate reports a device that connected before we started and any call
// already in progress.
func (s *SignalSource) enumerate(ctx context.Context, h phone.LinkHandler) {
	ctx, cancel := context.WithTimeout(ctx, s.propTimeout)
	defer cancel()
	objs, err := s.bus.managedObjects(ctx)
	if err != nil {
		s.log.Error().Err(err).Msg("enumerating bluez objects")
		return
	}
	s.handleManagedObjects(objs, h)
}

func (s *SignalSource) handleManagedObjects(objs managedObjects, h phone.LinkHandler) {
	for _, path := range objs.sortedPaths(deviceIface) {
		props := objs[path][deviceIface]
		if connected, _ := variantBool(props, "Connected"); !connected {
			continue
		}
		addr, _ := variantString(props, "Address")
		if addr == "" {
			addr = macFromPath(path)
		}
		name, ok := variantString(props, "Name")
		if !ok {
			name, _ = variantString(props, "Alias")
		}
		s.log.Info().Str("device", addr).Str("name", name).Msg("found connected device")
		t := true
		h.DeviceChanged(phone.DeviceUpdate{Path: string(path), Address: addr, Name: name, Connected: &t})
		break
	}
	for _, path := range objs.sortedPaths(callIface) {
		h.CallAdded(string(path), callProps(objs[path][callIface]))
	}
}

func (s *SignalSource) run(ctx context.Context, h phone.LinkHandler) {
	defer close(s.done)
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case sig, ok := <-s.sigCh:
			if !ok {
				return
			}
			s.dispatch(ctx, h, sig)
		}
	}
}

// dispatch decodes one signal and forwards it to h. Malformed signals and
// handler panics are logged, never propagated.
func (s *SignalSource) dispatch(ctx context.Context, h phone.LinkHandler, sig *dbus.Signal) {
	if sig == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			s.log.Error().Interface("panic", r).Str("signal", sig.Name).Str("path", string(sig.Path)).Msg("signal handler failed")
		}
	}()

	switch sig.Name {
	case propsChangedSignal:
		s.propertiesChanged(ctx, h, sig)
	case ifacesAddedSignal:
		if len(sig.Body) < 2 {
			return
		}
		path, _ := sig.Body[0].(dbus.ObjectPath)
		ifaces, _ := sig.Body[1].(map[string]map[string]dbus.Variant)
		if props, ok := ifaces[callIface]; ok {
			s.log.Info().Str("path", string(path)).Msg("call interface added")
			h.CallAdded(string(path), callProps(props))
		}
	case ifacesRemovedSig:
		if len(sig.Body) < 2 {
			return
		}
		path, _ := sig.Body[0].(dbus.ObjectPath)
		ifaces, _ := sig.Body[1].([]string)
		for _, iface := range ifaces {
			if iface == callIface {
				h.CallRemoved(string(path))
				return
			}
		}
	}
}

func (s *SignalSource) propertiesChanged(ctx context.Context, h phone.LinkHandler, sig *dbus.Signal) {
	// Body: [interface_name string, changed_props map[string]Variant, invalidated []string]
	if len(sig.Body) < 2 {
		return
	}
	iface, ok := sig.Body[0].(string)
	if !ok {
		return
	}
	changed, ok := sig.Body[1].(map[string]dbus.Variant)
	if !ok {
		return
	}

	switch iface {
	case callIface:
		h.CallPropertiesChanged(string(sig.Path), callProps(changed))

	case deviceIface:
		u := phone.DeviceUpdate{Path: string(sig.Path), Address: macFromPath(sig.Path)}
		if name, ok := variantString(changed, "Name"); ok {
			u.Name = name
		}
		if connected, ok := variantBool(changed, "Connected"); ok {
			u.Connected = &connected
			if connected && s.deviceInfo != nil {
				pctx, cancel := context.WithTimeout(ctx, s.propTimeout)
				addr, name, err := s.deviceInfo(pctx, sig.Path)
				cancel()
				if err != nil {
					s.log.Error().Err(err).Str("path", string(sig.Path)).Msg("reading device info")
				} else {
					u.Address, u.Name = addr, name
				}
			}
		}
		if u.Connected == nil && u.Name == "" {
			return
		}
		h.DeviceChanged(u)

	case mediaCtlIface:
		if connected, ok := variantBool(changed, "Connected"); ok {
			s.log.Info().Bool("connected", connected).Str("path", string(sig.Path)).Msg("media control link changed")
		}
	}
}

func callProps(props map[string]dbus.Variant) phone.CallProps {
	var cp phone.CallProps
	if v, ok := variantString(props, "State"); ok {
		cp.State = &v
	}
	if v, ok := variantString(props, "LineIdentification"); ok {
		cp.LineIdentification = &v
	}
	if v, ok := variantString(props, "Name"); ok {
		cp.Name = &v
	}
	return cp
}
