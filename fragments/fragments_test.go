package fragments

import (
	"bytes"
	"errors"
	"testing"
)

func TestEncoderPad(t *testing.T) {
	e := Encoder{Order: LittleEndian}
	e.Uint8(1)
	e.Uint32(2)
	want := []byte{
		0x01,
		0x00, 0x00, 0x00, // pad
		0x02, 0x00, 0x00, 0x00,
	}
	if !bytes.Equal(e.Out, want) {
		t.Errorf("got % x, want % x", e.Out, want)
	}
}

func TestEncoderArrayBackpatch(t *testing.T) {
	e := Encoder{Order: LittleEndian}
	err := e.Array(8, func() error {
		e.Uint64(5)
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	want := []byte{
		0x08, 0x00, 0x00, 0x00, // length, excluding header padding
		0x00, 0x00, 0x00, 0x00, // pad to element alignment
		0x05, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00,
	}
	if !bytes.Equal(e.Out, want) {
		t.Errorf("got % x, want % x", e.Out, want)
	}
}

func TestEncoderStringFraming(t *testing.T) {
	e := Encoder{Order: BigEndian}
	e.String("hi")
	want := []byte{0x00, 0x00, 0x00, 0x02, 'h', 'i', 0x00}
	if !bytes.Equal(e.Out, want) {
		t.Errorf("got % x, want % x", e.Out, want)
	}

	e = Encoder{Order: BigEndian}
	e.Signature("a{sv}")
	want = []byte{0x05, 'a', '{', 's', 'v', '}', 0x00}
	if !bytes.Equal(e.Out, want) {
		t.Errorf("got % x, want % x", e.Out, want)
	}
}

func TestDecoderAlignmentFromFrameStart(t *testing.T) {
	// The window starts 1 byte into the frame, so reading a uint32
	// must skip 3 pad bytes, not 0.
	d := Decoder{
		Order: LittleEndian,
		Data:  []byte{0x00, 0x00, 0x00, 0x07, 0x00, 0x00, 0x00},
		Start: 1,
	}
	u, err := d.Uint32()
	if err != nil {
		t.Fatal(err)
	}
	if u != 7 {
		t.Errorf("Uint32 = %d, want 7", u)
	}
}

func TestDecoderBounds(t *testing.T) {
	d := Decoder{Order: LittleEndian, Data: []byte{0x01, 0x02}}
	if _, err := d.Uint32(); !errors.Is(err, ErrNotEnoughData) {
		t.Errorf("Uint32 on short data = %v, want ErrNotEnoughData", err)
	}

	d = Decoder{Order: LittleEndian, Data: []byte{0x05, 0x00, 0x00, 0x00, 'a'}}
	if _, err := d.StringBytes(); !errors.Is(err, ErrNotEnoughData) {
		t.Errorf("StringBytes on short data = %v, want ErrNotEnoughData", err)
	}
}

func TestDecoderArrayLenCap(t *testing.T) {
	d := Decoder{Order: LittleEndian, Data: []byte{0x00, 0x00, 0x00, 0x04}}
	if _, err := d.ArrayLen(); !errors.Is(err, ErrNumberTooBig) {
		t.Errorf("ArrayLen(1<<26) = %v, want ErrNumberTooBig", err)
	}
	d = Decoder{Order: LittleEndian, Data: []byte{0xff, 0xff, 0xff, 0x03}}
	n, err := d.ArrayLen()
	if err != nil || n != 1<<26-1 {
		t.Errorf("ArrayLen(1<<26-1) = %d, %v, want ok", n, err)
	}
}

func TestByteOrderFlag(t *testing.T) {
	if got := LittleEndian.Flag(); got != 'l' {
		t.Errorf("LittleEndian.Flag() = %q", got)
	}
	if got := BigEndian.Flag(); got != 'B' {
		t.Errorf("BigEndian.Flag() = %q", got)
	}
	if _, ok := OrderForFlag('x'); ok {
		t.Error("OrderForFlag('x') succeeded")
	}
	e := Encoder{Order: BigEndian}
	e.ByteOrderFlag()
	if !bytes.Equal(e.Out, []byte{'B'}) {
		t.Errorf("ByteOrderFlag wrote % x", e.Out)
	}
}
