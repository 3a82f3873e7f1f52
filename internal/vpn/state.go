package vpn

import "time"

// State describes the tunnel lifecycle state owned by the state machine.
type State string

const (
	StateDisconnected  State = "disconnected"
	StateConnecting    State = "connecting"
	StateConnected     State = "connected"
	StateDisconnecting State = "disconnecting"
	StateError         State = "error"
)

// Status is a bus event snapshot of the current tunnel state.
type Status struct {
	State     State
	Reason    string
	Server    string
	Protocol  Protocol
	Timestamp time.Time
}

// Handle is an opaque reference to the underlying NetworkManager connection
// object. NetworkManager may invalidate it out-of-band, so holders must never
// assume it is still valid without querying.
type Handle string

// HandleState is the state of the underlying connection object as reported
// by NetworkManager.
type HandleState string

const (
	HandleActive   HandleState = "active"
	HandleInactive HandleState = "inactive"
	HandleUnknown  HandleState = "unknown"
)

// DeviceEventKind classifies asynchronous device/connection changes.
type DeviceEventKind string

const (
	DeviceUp      DeviceEventKind = "up"
	DeviceDown    DeviceEventKind = "down"
	DeviceRemoved DeviceEventKind = "removed"
)

// DeviceEvent is an asynchronous state change observed on the system bus,
// keyed by the underlying connection handle.
type DeviceEvent struct {
	Handle    Handle
	Kind      DeviceEventKind
	Reason    string
	Timestamp time.Time
}
