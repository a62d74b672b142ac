package dbus

import (
	"errors"
	"math"
	"testing"
)

func TestSerialAllocation(t *testing.T) {
	c := &Conn{calls: map[uint32]*PendingReply{}}

	s, err := c.nextSerialLocked()
	if err != nil || s != 1 {
		t.Fatalf("first serial = %d, %v, want 1", s, err)
	}
	s, err = c.nextSerialLocked()
	if err != nil || s != 2 {
		t.Fatalf("second serial = %d, %v, want 2", s, err)
	}
}

// Wrapping from the maximum serial must skip zero.
func TestSerialWrapSkipsZero(t *testing.T) {
	c := &Conn{calls: map[uint32]*PendingReply{}, lastSerial: math.MaxUint32}
	s, err := c.nextSerialLocked()
	if err != nil {
		t.Fatal(err)
	}
	if s != 1 {
		t.Errorf("serial after wrap = %d, want 1", s)
	}
}

// A full lap of the counter onto a still-pending call is the one
// case where allocation fails.
func TestSerialExhausted(t *testing.T) {
	c := &Conn{
		calls:      map[uint32]*PendingReply{1: {}},
		lastSerial: math.MaxUint32,
	}
	_, err := c.nextSerialLocked()
	if !errors.Is(err, ErrSerialExhausted) {
		t.Errorf("err = %v, want ErrSerialExhausted", err)
	}
	// The counter must not advance past the collision.
	if c.lastSerial != math.MaxUint32 {
		t.Errorf("lastSerial advanced to %d", c.lastSerial)
	}
}
