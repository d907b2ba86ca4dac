package ia

import "testing"

func TestDirectBroadcast(t *testing.T) {
	a := FromIPv4([4]byte{192, 168, 1, 255})
	if !a.IsDirectBroadcast() {
		t.Fatal("expected direct broadcast")
	}
	b := FromIPv4([4]byte{192, 168, 1, 5})
	if b.IsDirectBroadcast() {
		t.Fatal("unexpected direct broadcast")
	}
}

func TestMulticast(t *testing.T) {
	if !FromIPv4([4]byte{224, 0, 0, 1}).IsMulticast() {
		t.Fatal("expected v4 multicast")
	}
	if FromIPv4([4]byte{10, 0, 0, 1}).IsMulticast() {
		t.Fatal("unexpected v4 multicast")
	}
	var v6mc [16]byte
	v6mc[0] = 0xff
	if !FromIPv6(v6mc).IsMulticast() {
		t.Fatal("expected v6 multicast")
	}
}

func TestEquality(t *testing.T) {
	a := FromIPv4([4]byte{1, 2, 3, 4})
	b := FromIPv4([4]byte{1, 2, 3, 4})
	if a != b {
		t.Fatal("expected equal addrs to compare equal")
	}
	m := map[Addr]int{a: 1}
	if m[b] != 1 {
		t.Fatal("expected Addr to be usable as map key")
	}
}
