package zprn

import (
	"testing"

	"github.com/zrouter/z/internal/ia"
)

func TestRoundTrip(t *testing.T) {
	entries := []Entry{
		{Cmd: CmdRouteMod, Prio: 2, Route: ia.FromIPv4([4]byte{10, 9, 9, 9})},
		{Cmd: CmdConnMgmt, Prio: ConnMgmtOpen, Route: ia.FromIPv4([4]byte{10, 9, 9, 8})},
		{Cmd: CmdProbe, Prio: ProbeReqToRouters, Route: ia.FromIPv6([16]byte{0x20, 0x01})},
	}

	buf := EncodeHeader(nil)
	if !ValidHeader(buf) {
		t.Fatal("expected valid header")
	}
	body := buf[headerLen:]
	if len(body) != 0 {
		t.Fatal("expected empty body just after header")
	}
	for _, e := range entries {
		buf = EncodeEntry(buf, e)
	}

	decoded, err := Decode(buf[headerLen:])
	if err != nil {
		t.Fatalf("unexpected decode error: %v", err)
	}
	if len(decoded) != len(entries) {
		t.Fatalf("expected %d entries, got %d", len(entries), len(decoded))
	}
	for i, e := range entries {
		if decoded[i] != e {
			t.Fatalf("entry %d mismatch: got %+v want %+v", i, decoded[i], e)
		}
	}
}

func TestTruncatedEntry(t *testing.T) {
	buf := EncodeHeader(nil)
	buf = EncodeEntry(buf, Entry{Cmd: CmdRouteMod, Prio: 1, Route: ia.FromIPv4([4]byte{1, 2, 3, 4})})
	// Truncate the last entry's address bytes.
	buf = buf[:len(buf)-2]

	_, err := Decode(buf[headerLen:])
	if err != ErrTruncated {
		t.Fatalf("expected ErrTruncated, got %v", err)
	}
}

func TestInvalidVersionIgnored(t *testing.T) {
	buf := []byte{0x00, 0x01, 0, 0}
	if ValidHeader(buf) {
		t.Fatal("expected version 1 to be rejected")
	}
	buf2 := []byte{0x01, 0x02, 0, 0}
	if ValidHeader(buf2) {
		t.Fatal("expected nonzero magic to be rejected")
	}
}
