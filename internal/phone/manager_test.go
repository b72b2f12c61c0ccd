package phone

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

type fakeControl struct {
	mu    sync.Mutex
	calls []string
	err   error
	panic bool
	// during runs while the call is in flight.
	during func()
}

func (f *fakeControl) Call(_ context.Context, path, method string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, method+" "+path)
	if f.during != nil {
		f.during()
	}
	if f.panic {
		panic("daemon exploded")
	}
	return f.err
}

func (f *fakeControl) recorded() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

type fakeLink struct {
	startErr error
	handler  LinkHandler
	started  int
	closed   int
}

func (f *fakeLink) Start(_ context.Context, h LinkHandler) error {
	f.started++
	if f.startErr != nil {
		return f.startErr
	}
	f.handler = h
	return nil
}

func (f *fakeLink) Close() error {
	f.closed++
	return nil
}

type fakeLister struct {
	mu      sync.Mutex
	devices []Device
	polls   int
}

func (f *fakeLister) ConnectedDevices(context.Context) ([]Device, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.polls++
	return append([]Device(nil), f.devices...), nil
}

func (f *fakeLister) set(devs ...Device) {
	f.mu.Lock()
	f.devices = devs
	f.mu.Unlock()
}

func newTestManager(opts Options) *Manager {
	opts.Log = zerolog.Nop()
	n := 0
	opts.NewID = func() string {
		n++
		return fmt.Sprintf("id-%d", n)
	}
	opts.Now = func() time.Time { return time.Date(2026, 10, 14, 8, 30, 0, 0, time.Local) }
	return New(opts)
}

func strp(s string) *string { return &s }
func boolp(b bool) *bool    { return &b }

func connect(m *Manager, addr, name string) {
	m.DeviceChanged(DeviceUpdate{Address: addr, Name: name, Connected: boolp(true)})
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func TestIncomingCallScenario(t *testing.T) {
	direct := &fakeControl{}
	m := newTestManager(Options{Direct: direct})

	connect(m, "AA:BB", "Pixel 7")
	st := m.Status()
	if !st.Connected || deref(st.DeviceName) != "Pixel 7" || deref(st.Device) != "AA:BB" {
		t.Fatalf("after connect: %+v", st)
	}

	m.CallAdded("/call/1", CallProps{State: strp("incoming"), LineIdentification: strp("+15551234567")})
	st = m.Status()
	if st.CallState != StateIncoming || deref(st.CallerID) != "+15551234567" {
		t.Fatalf("after call added: state=%s caller=%s", st.CallState, deref(st.CallerID))
	}

	if err := m.Answer(context.Background()); err != nil {
		t.Fatalf("answer: %v", err)
	}
	if got := direct.recorded(); len(got) != 1 || got[0] != "Answer /call/1" {
		t.Fatalf("daemon calls = %v", got)
	}

	m.CallRemoved("/call/1")
	st = m.Status()
	if st.CallState != StateIdle || st.CallerID != nil {
		t.Fatalf("after removal: %+v", st)
	}
	if len(st.RecentCalls) != 1 {
		t.Fatalf("recent calls = %d, want 1", len(st.RecentCalls))
	}
	rc := st.RecentCalls[0]
	if rc.Number != "+15551234567" || rc.Direction != DirectionIncoming || rc.Name != "+15551234567" || rc.Time != "08:30" {
		t.Fatalf("recent call = %+v", rc)
	}
}

func TestMapDaemonState(t *testing.T) {
	cases := map[string]CallState{
		"incoming":     StateIncoming,
		"DIALING":      StateOutgoing,
		"alerting":     StateAlerting,
		"Active":       StateActive,
		"held":         StateHeld,
		"waiting":      StateIncoming,
		"disconnected": StateIdle,
	}
	for in, want := range cases {
		got, known := MapDaemonState(in)
		if !known || got != want {
			t.Errorf("MapDaemonState(%q) = %q, %v; want %q", in, got, known, want)
		}
	}
	if got, known := MapDaemonState("Ringing"); known || got != "ringing" {
		t.Errorf("unknown state = %q, %v", got, known)
	}
}

func TestUnknownStatePassesThrough(t *testing.T) {
	m := newTestManager(Options{})
	m.CallAdded("/call/9", CallProps{State: strp("Transferring")})
	if st := m.Status(); st.CallState != "transferring" {
		t.Fatalf("state = %q", st.CallState)
	}
}

func TestDisconnectResetsEverything(t *testing.T) {
	m := newTestManager(Options{})
	connect(m, "AA:BB", "Pixel 7")
	m.CallAdded("/call/1", CallProps{State: strp("active"), LineIdentification: strp("123"), Name: strp("Bob")})

	for i := 0; i < 2; i++ {
		m.DeviceChanged(DeviceUpdate{Address: "AA:BB", Connected: boolp(false)})
		st := m.Status()
		if st.Connected || st.CallState != StateIdle || st.CallerID != nil || st.CallerName != nil || st.Device != nil {
			t.Fatalf("disconnect #%d left state %+v", i, st)
		}
		if m.callPath != "" {
			t.Fatalf("call path = %q", m.callPath)
		}
	}
	if n := len(m.RecentCalls()); n != 0 {
		t.Fatalf("disconnect should not log a call, got %d", n)
	}
}

func TestDeviceRename(t *testing.T) {
	m := newTestManager(Options{})
	m.DeviceChanged(DeviceUpdate{Address: "AA:BB", Name: "ignored"})
	if m.Status().Connected {
		t.Fatal("rename without device must not connect")
	}
	connect(m, "AA:BB", "")
	if got := deref(m.Status().DeviceName); got != "Unknown" {
		t.Fatalf("default name = %q", got)
	}
	m.DeviceChanged(DeviceUpdate{Address: "CC:DD", Name: "Headphones"})
	m.DeviceChanged(DeviceUpdate{Address: "AA:BB", Name: "Pixel 8"})
	if got := deref(m.Status().DeviceName); got != "Pixel 8" {
		t.Fatalf("renamed = %q", got)
	}
}

func TestPropertiesChangedIsIncremental(t *testing.T) {
	m := newTestManager(Options{})
	ch, cancel := m.Stream(8)
	defer cancel()

	m.CallAdded("/call/2", CallProps{State: strp("dialing"), LineIdentification: strp("5550100")})
	m.CallPropertiesChanged("/call/2", CallProps{State: strp("alerting")})
	m.CallPropertiesChanged("/call/2", CallProps{State: strp("active"), Name: strp("Alice")})
	m.CallPropertiesChanged("/call/2", CallProps{})

	var states []CallState
	for len(ch) > 0 {
		states = append(states, (<-ch).CallState)
	}
	want := []CallState{StateOutgoing, StateAlerting, StateActive}
	if fmt.Sprint(states) != fmt.Sprint(want) {
		t.Fatalf("emitted states = %v, want %v", states, want)
	}
	st := m.Status()
	if deref(st.CallerID) != "5550100" || deref(st.CallerName) != "Alice" {
		t.Fatalf("identity = %s/%s", deref(st.CallerID), deref(st.CallerName))
	}
}

func TestDisconnectedStateEndsCall(t *testing.T) {
	m := newTestManager(Options{})
	m.CallAdded("/call/3", CallProps{State: strp("active"), LineIdentification: strp("777")})
	m.CallPropertiesChanged("/call/3", CallProps{State: strp("disconnected")})
	m.CallRemoved("/call/3")

	recent := m.RecentCalls()
	if len(recent) != 1 || recent[0].Direction != DirectionOutgoing {
		t.Fatalf("recent = %+v", recent)
	}
	if st := m.Status(); st.CallState != StateIdle || st.CallerID != nil {
		t.Fatalf("status = %+v", st)
	}
}

func TestIdentityBeforeStateStaysHidden(t *testing.T) {
	m := newTestManager(Options{})
	connect(m, "AA:BB", "Pixel 7")
	m.CallAdded("/call/1", CallProps{LineIdentification: strp("+1555"), Name: strp("Alice")})

	st := m.Status()
	if st.CallState != StateIdle || st.CallerID != nil || st.CallerName != nil || m.callPath != "" {
		t.Fatalf("idle with identity: state=%s caller=%s path=%q", st.CallState, deref(st.CallerID), m.callPath)
	}
	if _, err := m.Hangup(context.Background()); !errors.Is(err, ErrNoActiveCall) {
		t.Fatalf("hangup err = %v", err)
	}

	m.CallPropertiesChanged("/call/1", CallProps{State: strp("incoming")})
	st = m.Status()
	if st.CallState != StateIncoming || deref(st.CallerID) != "+1555" || deref(st.CallerName) != "Alice" || m.callPath != "/call/1" {
		t.Fatalf("after state: %+v path=%q", st, m.callPath)
	}

	m.CallRemoved("/call/1")
	if recent := m.RecentCalls(); len(recent) != 1 || recent[0].Name != "Alice" {
		t.Fatalf("recent = %+v", recent)
	}
}

func TestPropertiesWithoutStateWhileIdle(t *testing.T) {
	m := newTestManager(Options{})
	m.CallPropertiesChanged("/call/5", CallProps{LineIdentification: strp("999")})
	if st := m.Status(); st.CallState != StateIdle || st.CallerID != nil || m.callPath != "" {
		t.Fatalf("status = %+v path=%q", st, m.callPath)
	}

	m.CallRemoved("/call/5")
	if m.pending != nil {
		t.Fatalf("pending identity kept after removal: %+v", m.pending)
	}
	m.CallAdded("/call/6", CallProps{State: strp("dialing")})
	if st := m.Status(); st.CallerID != nil {
		t.Fatalf("stale identity leaked into new call: %s", deref(st.CallerID))
	}
	if n := len(m.RecentCalls()); n != 0 {
		t.Fatalf("recent = %d", n)
	}
}

func TestSignalsForOtherCallIgnored(t *testing.T) {
	m := newTestManager(Options{})
	m.CallAdded("/call/1", CallProps{State: strp("active"), LineIdentification: strp("111")})
	m.CallPropertiesChanged("/call/2", CallProps{LineIdentification: strp("222")})
	m.CallPropertiesChanged("/call/2", CallProps{State: strp("disconnected")})
	m.CallRemoved("/call/2")

	st := m.Status()
	if st.CallState != StateActive || deref(st.CallerID) != "111" || m.callPath != "/call/1" {
		t.Fatalf("tracked call disturbed: %+v path=%q", st, m.callPath)
	}
}

func TestRecentCallsCapped(t *testing.T) {
	m := newTestManager(Options{})
	for i := 0; i < 25; i++ {
		m.CallAdded("/call", CallProps{State: strp("incoming"), LineIdentification: strp(fmt.Sprint(i))})
		m.CallRemoved("/call")
	}
	recent := m.RecentCalls()
	if len(recent) != maxRecentCalls {
		t.Fatalf("len = %d", len(recent))
	}
	for i, rc := range recent {
		if want := fmt.Sprint(24 - i); rc.Number != want {
			t.Fatalf("recent[%d] = %s, want %s", i, rc.Number, want)
		}
	}
	if n := len(m.Status().RecentCalls); n != statusRecentCalls {
		t.Fatalf("status recent = %d", n)
	}
}

func TestRemovalWithoutCallerLogsNothing(t *testing.T) {
	m := newTestManager(Options{})
	m.CallAdded("/call/4", CallProps{State: strp("incoming")})
	m.CallRemoved("/call/4")
	if n := len(m.RecentCalls()); n != 0 {
		t.Fatalf("recent = %d", n)
	}
}

func TestStartIsIdempotent(t *testing.T) {
	link := &fakeLink{}
	m := newTestManager(Options{Link: link, PollInterval: time.Hour})
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("second start: %v", err)
	}
	if link.started != 1 {
		t.Fatalf("link started %d times", link.started)
	}
	if m.LinkMode() != "signals" {
		t.Fatalf("mode = %s", m.LinkMode())
	}
	if link.handler != LinkHandler(m) {
		t.Fatal("manager not registered as link handler")
	}
	m.Stop()
	m.Stop()
	if link.closed != 1 {
		t.Fatalf("link closed %d times", link.closed)
	}
	if m.LinkMode() != "polling" {
		t.Fatalf("mode after stop = %s", m.LinkMode())
	}
}

func TestSecondStopReturnsImmediately(t *testing.T) {
	m := newTestManager(Options{PollInterval: time.Hour, StopGrace: time.Second})
	m.Start(context.Background())
	m.Stop()

	start := time.Now()
	m.Stop()
	if d := time.Since(start); d > 100*time.Millisecond {
		t.Fatalf("second stop took %s", d)
	}
}

func TestPollingFallback(t *testing.T) {
	link := &fakeLink{startErr: errors.New("no system bus")}
	lister := &fakeLister{}
	lister.set(Device{Address: "AA:BB", Name: "Pixel 7"})
	m := newTestManager(Options{Link: link, Lister: lister, PollInterval: 10 * time.Millisecond})

	err := m.Start(context.Background())
	if !errors.Is(err, ErrLinkUnavailable) {
		t.Fatalf("start err = %v", err)
	}
	defer m.Stop()
	if m.LinkMode() != "polling" {
		t.Fatalf("mode = %s", m.LinkMode())
	}

	waitFor(t, func() bool { return m.Status().Connected })
	if got := deref(m.Status().DeviceName); got != "Pixel 7" {
		t.Fatalf("name = %q", got)
	}

	lister.set()
	waitFor(t, func() bool { return !m.Status().Connected })
}

func TestPollingSkippedWhileLinkUp(t *testing.T) {
	lister := &fakeLister{}
	m := newTestManager(Options{Link: &fakeLink{}, Lister: lister, PollInterval: 5 * time.Millisecond})
	if err := m.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	time.Sleep(40 * time.Millisecond)
	m.Stop()
	lister.mu.Lock()
	defer lister.mu.Unlock()
	if lister.polls != 0 {
		t.Fatalf("lister polled %d times while signals were up", lister.polls)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}
