package nmclient

import (
	"testing"

	"github.com/Wifx/gonetworkmanager/v2"
)

func TestActiveStateValue_NormalizesBindingsStateType(t *testing.T) {
	active := &fakeActiveConnection{state: gonetworkmanager.NmActiveConnectionState(nmActiveConnectionStateActivated)}

	value, err := activeStateValue(active)
	if err != nil {
		t.Fatalf("read state: %v", err)
	}

	// The value travels through the worker channel as an any; the caller
	// asserts uint32, so the dynamic type must be uint32, not the bindings'
	// named state type.
	state, ok := value.(uint32)
	if !ok {
		t.Fatalf("expected dynamic type uint32, got %T", value)
	}
	if state != nmActiveConnectionStateActivated {
		t.Fatalf("unexpected state: got %d, want %d", state, nmActiveConnectionStateActivated)
	}
}

// fakeActiveConnection implements only GetPropertyState; the embedded
// interface covers the rest.
type fakeActiveConnection struct {
	gonetworkmanager.ActiveConnection
	state gonetworkmanager.NmActiveConnectionState
}

func (c *fakeActiveConnection) GetPropertyState() (gonetworkmanager.NmActiveConnectionState, error) {
	return c.state, nil
}
