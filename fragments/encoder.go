package fragments

import "math"

// maxArrayBytes is the largest permitted byte length of a marshalled
// array, 2^26 per the DBus specification.
const maxArrayBytes = 1 << 26

// An Encoder accumulates a DBus wire format message in a byte slice.
//
// Methods insert padding as needed to conform to DBus alignment
// rules, except for [Encoder.Write] which outputs bytes verbatim.
type Encoder struct {
	// Order is the byte order to use when encoding multi-byte values.
	Order ByteOrder
	// Out is the encoded output.
	Out []byte
}

// Pad inserts padding bytes as needed to make the message a multiple
// of align bytes. If the message is already correctly aligned, no
// padding is inserted.
func (e *Encoder) Pad(align int) {
	extra := len(e.Out) % align
	if extra == 0 {
		return
	}
	var pad [8]byte
	e.Out = append(e.Out, pad[:align-extra]...)
}

// Write writes bs as-is to the output. It is the caller's
// responsibility to ensure correct padding and encoding.
func (e *Encoder) Write(bs []byte) {
	e.Out = append(e.Out, bs...)
}

// String writes s to the output as a DBus string: a uint32 length,
// the bytes of s, and a terminating zero byte.
func (e *Encoder) String(s string) {
	e.Pad(4)
	e.Uint32(uint32(len(s)))
	e.Out = append(e.Out, s...)
	e.Out = append(e.Out, 0)
}

// Signature writes s to the output as a DBus signature: a uint8
// length, the bytes of s, and a terminating zero byte.
func (e *Encoder) Signature(s string) {
	e.Uint8(uint8(len(s)))
	e.Out = append(e.Out, s...)
	e.Out = append(e.Out, 0)
}

// Uint8 writes a uint8.
func (e *Encoder) Uint8(u8 uint8) {
	e.Out = append(e.Out, u8)
}

// Uint16 writes a uint16.
func (e *Encoder) Uint16(u16 uint16) {
	e.Pad(2)
	e.Out = e.Order.AppendUint16(e.Out, u16)
}

// Uint32 writes a uint32.
func (e *Encoder) Uint32(u32 uint32) {
	e.Pad(4)
	e.Out = e.Order.AppendUint32(e.Out, u32)
}

// Uint64 writes a uint64.
func (e *Encoder) Uint64(u64 uint64) {
	e.Pad(8)
	e.Out = e.Order.AppendUint64(e.Out, u64)
}

// Double writes a float64.
func (e *Encoder) Double(f float64) {
	e.Uint64(math.Float64bits(f))
}

// Array writes an array to the output.
//
// Array elements must be added within the provided elements function.
// elemAlign is the alignment of the array's element type: the array
// header is padded so that the first element lands correctly even
// when the array is empty. The length field is back-patched after
// elements returns, and counts element bytes only, excluding the
// length field and its trailing alignment padding.
//
// Array returns [ErrOverflow] if the elements exceed the wire
// format's 2^26 byte cap for a single array.
func (e *Encoder) Array(elemAlign int, elements func() error) error {
	e.Pad(4)
	offset := len(e.Out)
	e.Uint32(0)
	e.Pad(elemAlign)

	start := len(e.Out)
	if err := elements(); err != nil {
		return err
	}
	ln := len(e.Out) - start
	if ln >= maxArrayBytes {
		return ErrOverflow
	}
	e.Order.PutUint32(e.Out[offset:], uint32(ln))
	return nil
}

// Struct writes a struct or dict entry to the output.
//
// Fields must be added within the provided fields function.
func (e *Encoder) Struct(fields func() error) error {
	e.Pad(8)
	return fields()
}

// ByteOrderFlag writes the DBus byte order flag byte ('l' or 'B')
// that matches [Encoder.Order].
func (e *Encoder) ByteOrderFlag() {
	e.Out = append(e.Out, e.Order.Flag())
}
