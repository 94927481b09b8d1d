package usb

import "testing"

func TestTreeEnrollAssignsMonotonicAddresses(t *testing.T) {
	tr := NewTree()
	d1, err := tr.Enroll(AddressDefault, RouteString{1}, SpeedHigh)
	if err != nil {
		t.Fatalf("Enroll: %v", err)
	}
	d2, err := tr.Enroll(AddressDefault, RouteString{2}, SpeedHigh)
	if err != nil {
		t.Fatalf("Enroll: %v", err)
	}
	if d2.Addr <= d1.Addr {
		t.Fatalf("expected increasing addresses, got %d then %d", d1.Addr, d2.Addr)
	}
}

func TestTreeEnrollRegistersParentChild(t *testing.T) {
	tr := NewTree()
	hub, _ := tr.Enroll(AddressDefault, RouteString{}, SpeedHigh)
	child, _ := tr.Enroll(hub.Addr, RouteString{1}, SpeedFull)

	hub = tr.Lookup(hub.Addr)
	if len(hub.Children) != 1 || hub.Children[0] != child.Addr {
		t.Fatalf("hub children = %v, want [%d]", hub.Children, child.Addr)
	}
}

func TestTreeDetachFreesWholeSubtree(t *testing.T) {
	tr := NewTree()
	hub, _ := tr.Enroll(AddressDefault, RouteString{}, SpeedHigh)
	child, _ := tr.Enroll(hub.Addr, RouteString{1}, SpeedFull)
	grandchild, _ := tr.Enroll(child.Addr, RouteString{1, 1}, SpeedFull)

	freed := tr.Detach(child.Addr)
	if len(freed) != 2 {
		t.Fatalf("freed = %v, want 2 addresses (child + grandchild)", freed)
	}
	if tr.Lookup(child.Addr) != nil || tr.Lookup(grandchild.Addr) != nil {
		t.Fatalf("detached subtree must be fully removed from the tree")
	}
	if tr.Lookup(hub.Addr) == nil {
		t.Fatalf("hub itself must survive detaching a child")
	}

	hub = tr.Lookup(hub.Addr)
	if len(hub.Children) != 0 {
		t.Fatalf("hub.Children = %v, want empty after detach", hub.Children)
	}
}

func TestRouteStringChildAndLastNibble(t *testing.T) {
	root := RouteString{}
	r1 := root.Child(3)
	r2 := r1.Child(5)
	if r2.LastNonZeroNibble() != 5 {
		t.Fatalf("LastNonZeroNibble = %d, want 5", r2.LastNonZeroNibble())
	}
	if len(r2) != 2 {
		t.Fatalf("route length = %d, want 2", len(r2))
	}
}
