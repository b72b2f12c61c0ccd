package phone

import "strings"

// CallState is the single call state tracked for the connected phone.
type CallState string

const (
	StateIdle     CallState = "idle"
	StateIncoming CallState = "incoming"
	StateOutgoing CallState = "outgoing"
	StateAlerting CallState = "alerting"
	StateActive   CallState = "active"
	StateHeld     CallState = "held"
)

// Call directions recorded in the recent calls log.
const (
	DirectionIncoming = "incoming"
	DirectionOutgoing = "outgoing"
)

const (
	maxRecentCalls    = 20
	statusRecentCalls = 10
)

// daemonStates maps BlueZ Call1.State values onto CallState.
var daemonStates = map[string]CallState{
	"incoming":     StateIncoming,
	"dialing":      StateOutgoing,
	"alerting":     StateAlerting,
	"active":       StateActive,
	"held":         StateHeld,
	"waiting":      StateIncoming,
	"disconnected": StateIdle,
}

// MapDaemonState converts a Call1.State string. Unknown values are returned
// verbatim (lowercased) with known=false.
func MapDaemonState(s string) (state CallState, known bool) {
	lower := strings.ToLower(s)
	if st, ok := daemonStates[lower]; ok {
		return st, true
	}
	return CallState(lower), false
}

// Device is the phone currently linked over Bluetooth.
type Device struct {
	Address   string
	Name      string
	Connected bool
}

// DeviceUpdate is a change reported for a Device1 object. Connected is nil
// when the change-set did not carry the Connected property.
type DeviceUpdate struct {
	Path      string
	Address   string
	Name      string
	Connected *bool
}

// CallProps holds the Call1 properties present in a signal. Nil fields were
// not part of the change-set.
type CallProps struct {
	State              *string
	LineIdentification *string
	Name               *string
}

// RecentCall is one entry of the recent calls log. Entries are never modified
// after creation.
type RecentCall struct {
	ID        string `json:"id"`
	Number    string `json:"number"`
	Name      string `json:"name"`
	Direction string `json:"direction"`
	Type      string `json:"type"`
	Time      string `json:"time"`
}

// Status is a snapshot of the phone state as served to clients.
type Status struct {
	Connected   bool         `json:"connected"`
	Device      *string      `json:"device"`
	DeviceName  *string      `json:"device_name"`
	CallState   CallState    `json:"call_state"`
	State       CallState    `json:"state"`
	CallerID    *string      `json:"caller_id"`
	Caller      *string      `json:"caller"`
	CallerName  *string      `json:"caller_name"`
	RecentCalls []RecentCall `json:"recent_calls"`

	seq uint64
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
