package usb

import (
	"time"

	"testing"
)

type fakeClock struct{ sleeps int }

func (c *fakeClock) Sleep(time.Duration) { c.sleeps++ }

// fakeHC is an in-memory HostController backing one hub, modeling each
// port's status/change words directly.
type fakeHC struct {
	tree        *Tree
	status      map[int]uint16
	change      map[int]uint16
	changeQueue []uint16
}

func newFakeHC(tree *Tree, numPorts int) *fakeHC {
	return &fakeHC{tree: tree, status: map[int]uint16{}, change: map[int]uint16{}}
}

func (f *fakeHC) SetPortFeature(hub Address, port int, feature PortFeature) error {
	switch feature {
	case FeaturePortPower:
		f.status[port] |= statusPower
	case FeaturePortReset, FeatureBHPortReset:
		f.status[port] |= statusEnable
		f.change[port] |= changeReset
	}
	return nil
}

func (f *fakeHC) ClearPortFeature(hub Address, port int, feature PortFeature) error {
	switch feature {
	case FeatureCPortConnection:
		f.change[port] &^= changeConnection
	case FeatureCPortEnable:
		f.change[port] &^= changeEnable
	case FeatureCPortSuspend:
		f.change[port] &^= changeSuspend
	case FeatureCPortOverCurrent:
		f.change[port] &^= changeOverCurrent
	case FeatureCPortReset:
		f.change[port] &^= changeReset
	}
	return nil
}

func (f *fakeHC) GetPortStatus(hub Address, port int) (uint16, uint16, error) {
	return f.status[port], f.change[port], nil
}

func (f *fakeHC) ReadPortChangeBitmap(hub Address, ep Endpoint) (uint16, error) {
	if len(f.changeQueue) == 0 {
		return 0, nil
	}
	v := f.changeQueue[0]
	f.changeQueue = f.changeQueue[1:]
	return v, nil
}

func (f *fakeHC) EnrollChild(hub Address, port int, route RouteString, speed Speed) (Address, error) {
	d, err := f.tree.Enroll(hub, route, speed)
	if err != nil {
		return 0, err
	}
	return d.Addr, nil
}

// plugIn marks port as connected before Startup runs, simulating a device
// already present at boot (§8 scenario 4).
func (f *fakeHC) plugIn(port int) {
	f.status[port] |= statusConnection | statusEnable
	f.change[port] |= changeConnection
}

func TestInitHubEnumeratesPresentDevices(t *testing.T) {
	tree := NewTree()
	hubDev, _ := tree.Enroll(AddressDefault, RouteString{}, SpeedHigh)
	hc := newFakeHC(tree, 4)

	hc.plugIn(1)
	hc.plugIn(3)

	clock := &fakeClock{}
	hub := NewHub(hc, tree, hubDev.Addr, RouteString{}, HubDescriptor{NumPorts: 4, PowerOnToPowerGood: time.Millisecond}, Endpoint{Number: 1, Direction: DirectionIn, Type: EndpointInterrupt}, clock)

	if err := hub.Startup(); err != nil {
		t.Fatalf("Startup: %v", err)
	}

	if hub.PortState(1) != PortEnabled || hub.PortState(3) != PortEnabled {
		t.Fatalf("ports 1,3 = %v,%v want Enabled,Enabled", hub.PortState(1), hub.PortState(3))
	}
	if hub.PortState(2) == PortEnabled || hub.PortState(4) == PortEnabled {
		t.Fatalf("empty ports must not be Enabled")
	}

	// §8 scenario 4: exactly two new addresses, both parented to the hub,
	// route strings differ in the last non-zero nibble.
	if tree.Len() != 3 { // hub + 2 children
		t.Fatalf("tree.Len() = %d, want 3", tree.Len())
	}
	hubDev = tree.Lookup(hubDev.Addr)
	if len(hubDev.Children) != 2 {
		t.Fatalf("hub children = %v, want 2 entries", hubDev.Children)
	}
	var nibbles []uint8
	for _, c := range hubDev.Children {
		child := tree.Lookup(c)
		if child.Parent != hubDev.Addr {
			t.Fatalf("child %d parent = %d, want hub %d", c, child.Parent, hubDev.Addr)
		}
		nibbles = append(nibbles, child.Route.LastNonZeroNibble())
	}
	if nibbles[0] == nibbles[1] {
		t.Fatalf("route strings should differ in the last nibble, got %v", nibbles)
	}
}

func TestHubDetectsHotPlugViaPollOnce(t *testing.T) {
	tree := NewTree()
	hubDev, _ := tree.Enroll(AddressDefault, RouteString{}, SpeedHigh)
	hc := newFakeHC(tree, 4)
	clock := &fakeClock{}
	hub := NewHub(hc, tree, hubDev.Addr, RouteString{}, HubDescriptor{NumPorts: 4, PowerOnToPowerGood: time.Millisecond}, Endpoint{}, clock)

	if err := hub.Startup(); err != nil {
		t.Fatalf("Startup: %v", err)
	}
	if tree.Len() != 1 {
		t.Fatalf("expected no devices before hot-plug")
	}

	hc.plugIn(2)
	hc.changeQueue = append(hc.changeQueue, 1<<2)

	if err := hub.PollOnce(); err != nil {
		t.Fatalf("PollOnce: %v", err)
	}
	if hub.PortState(2) != PortEnabled {
		t.Fatalf("port 2 = %v, want Enabled after hot-plug", hub.PortState(2))
	}
	if tree.Len() != 2 {
		t.Fatalf("tree.Len() = %d, want 2 after hot-plug", tree.Len())
	}
}

func TestHubDetachOnPollOnceFreesDevice(t *testing.T) {
	tree := NewTree()
	hubDev, _ := tree.Enroll(AddressDefault, RouteString{}, SpeedHigh)
	hc := newFakeHC(tree, 4)
	clock := &fakeClock{}
	hub := NewHub(hc, tree, hubDev.Addr, RouteString{}, HubDescriptor{NumPorts: 4, PowerOnToPowerGood: time.Millisecond}, Endpoint{}, clock)

	hc.plugIn(1)
	if err := hub.Startup(); err != nil {
		t.Fatalf("Startup: %v", err)
	}
	if tree.Len() != 2 {
		t.Fatalf("expected hub + 1 device after startup")
	}

	hc.status[1] &^= statusConnection
	hc.change[1] |= changeConnection
	hc.changeQueue = append(hc.changeQueue, 1<<1)

	if err := hub.PollOnce(); err != nil {
		t.Fatalf("PollOnce: %v", err)
	}
	if tree.Len() != 1 {
		t.Fatalf("tree.Len() = %d, want 1 after detach", tree.Len())
	}
}
