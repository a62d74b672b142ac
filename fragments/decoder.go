package fragments

import (
	"errors"
	"math"
)

// Errors reported by a Decoder, and by an Encoder for ErrOverflow.
// Parsers layered on top of this package report the same values for
// the corresponding conditions.
var (
	// ErrNotEnoughData indicates that the input ended partway
	// through a value.
	ErrNotEnoughData = errors.New("not enough data")
	// ErrNumberTooBig indicates a length field that exceeds the
	// protocol's caps.
	ErrNumberTooBig = errors.New("number exceeds protocol limit")
	// ErrOverflow indicates an outgoing array that exceeds the
	// protocol's caps.
	ErrOverflow = errors.New("array exceeds protocol limit")
)

// A Decoder is a cursor over a received DBus wire format frame, or a
// window into one.
//
// Methods advance the cursor past the padding required by DBus
// alignment rules before reading. Alignment is reckoned from the
// start of the frame, not the window, which is what Start records.
// All reads are bounds-checked against the window and report
// [ErrNotEnoughData] when the data runs out.
type Decoder struct {
	// Order is the byte order to use when reading multi-byte values.
	Order ByteOrder
	// Data is the window being read.
	Data []byte
	// Start is the offset of Data[0] from the start of the frame.
	Start int

	pos int
}

// Pos returns the cursor's offset within the window.
func (d *Decoder) Pos() int { return d.pos }

// Rest returns the number of unread bytes left in the window.
func (d *Decoder) Rest() int { return len(d.Data) - d.pos }

// Pad advances the cursor as needed so that the next read happens at
// a multiple of align bytes from the frame start.
func (d *Decoder) Pad(align int) error {
	extra := (d.Start + d.pos) % align
	if extra == 0 {
		return nil
	}
	skip := align - extra
	if d.pos+skip > len(d.Data) {
		return ErrNotEnoughData
	}
	d.pos += skip
	return nil
}

// Read returns the next n bytes, with no framing or padding. The
// returned slice aliases the window.
func (d *Decoder) Read(n int) ([]byte, error) {
	if n < 0 || d.pos+n > len(d.Data) {
		return nil, ErrNotEnoughData
	}
	bs := d.Data[d.pos : d.pos+n]
	d.pos += n
	return bs, nil
}

// Uint8 reads a uint8.
func (d *Decoder) Uint8() (uint8, error) {
	bs, err := d.Read(1)
	if err != nil {
		return 0, err
	}
	return bs[0], nil
}

// Uint16 reads a uint16.
func (d *Decoder) Uint16() (uint16, error) {
	if err := d.Pad(2); err != nil {
		return 0, err
	}
	bs, err := d.Read(2)
	if err != nil {
		return 0, err
	}
	return d.Order.Uint16(bs), nil
}

// Uint32 reads a uint32.
func (d *Decoder) Uint32() (uint32, error) {
	if err := d.Pad(4); err != nil {
		return 0, err
	}
	bs, err := d.Read(4)
	if err != nil {
		return 0, err
	}
	return d.Order.Uint32(bs), nil
}

// Uint64 reads a uint64.
func (d *Decoder) Uint64() (uint64, error) {
	if err := d.Pad(8); err != nil {
		return 0, err
	}
	bs, err := d.Read(8)
	if err != nil {
		return 0, err
	}
	return d.Order.Uint64(bs), nil
}

// Double reads a float64.
func (d *Decoder) Double() (float64, error) {
	u, err := d.Uint64()
	if err != nil {
		return 0, err
	}
	return math.Float64frombits(u), nil
}

// StringBytes reads a DBus string: a uint32 length, the string
// bytes, and the trailing zero byte. The returned slice aliases the
// window and excludes the terminator.
func (d *Decoder) StringBytes() ([]byte, error) {
	ln, err := d.Uint32()
	if err != nil {
		return nil, err
	}
	bs, err := d.Read(int(ln) + 1)
	if err != nil {
		return nil, err
	}
	return bs[:len(bs)-1], nil
}

// SignatureBytes reads a DBus signature: a uint8 length, the
// signature bytes, and the trailing zero byte. The returned slice
// aliases the window and excludes the terminator.
func (d *Decoder) SignatureBytes() ([]byte, error) {
	ln, err := d.Uint8()
	if err != nil {
		return nil, err
	}
	bs, err := d.Read(int(ln) + 1)
	if err != nil {
		return nil, err
	}
	return bs[:len(bs)-1], nil
}

// ArrayLen reads the uint32 byte length of an array, enforcing the
// wire format's 2^26 cap.
func (d *Decoder) ArrayLen() (int, error) {
	ln, err := d.Uint32()
	if err != nil {
		return 0, err
	}
	if ln >= maxArrayBytes {
		return 0, ErrNumberTooBig
	}
	return int(ln), nil
}

// ByteOrderFlag reads a DBus byte order flag byte and sets
// [Decoder.Order] to match it. ok reports whether the byte named a
// known ordering.
func (d *Decoder) ByteOrderFlag() (ok bool, err error) {
	v, err := d.Uint8()
	if err != nil {
		return false, err
	}
	order, ok := OrderForFlag(v)
	if !ok {
		return false, nil
	}
	d.Order = order
	return true, nil
}
