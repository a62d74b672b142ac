package dbus

import (
	"errors"
	"fmt"
	"os"
	"slices"

	"github.com/wirebus/dbus/fragments"
)

// A MsgType is the type of a DBus message.
type MsgType byte

const (
	TypeMethodCall MsgType = iota + 1
	TypeMethodReturn
	TypeError
	TypeSignal
)

func (t MsgType) String() string {
	switch t {
	case TypeMethodCall:
		return "method_call"
	case TypeMethodReturn:
		return "method_return"
	case TypeError:
		return "error"
	case TypeSignal:
		return "signal"
	}
	return fmt.Sprintf("unknown(%d)", byte(t))
}

// Message flag bits. Only the low three bits are defined; the rest
// are masked off on both send and receive.
const (
	FlagNoReplyExpected               = 0x1
	FlagNoAutoStart                   = 0x2
	FlagAllowInteractiveAuthorization = 0x4

	flagMask = 0x7
)

const (
	fixedHeaderSize = 16
	// maxMessageBytes is the largest permitted total frame size, 2^27.
	maxMessageBytes = 1 << 27
)

// A Message is one DBus message: a method call, a method return, an
// error, or a signal.
//
// The exported fields are the message header. Which fields are
// required depends on Type; [Message.Valid] spells out the rules.
// The body is set with [Message.SetBody] and read with
// [Message.Body]. A Message exclusively owns its body bytes and any
// files attached to it.
type Message struct {
	// Type is the message's type.
	Type MsgType
	// Flags is the message's flag byte, masked to the defined bits.
	Flags byte
	// Serial identifies the message on its connection. Zero until
	// assigned by the sending connection.
	Serial uint32
	// Path is the target object for a call, or the emitting object
	// for a signal.
	Path ObjectPath
	// Interface is the interface of the member being called or
	// emitted.
	Interface InterfaceName
	// Member is the method or signal name.
	Member MemberName
	// ErrName is the name of the error an error message reports.
	ErrName ErrorName
	// ReplySerial is the serial of the method call this message
	// answers. Set on method returns and errors.
	ReplySerial uint32
	// Destination is the bus name the message is addressed to.
	Destination BusName
	// Sender is the bus name of the message's origin. The bus fills
	// this in itself; sent values are ignored.
	Sender BusName

	sig    Signature
	body   []byte
	order  fragments.ByteOrder
	files  []*os.File
	numFDs uint32
}

// NewMethodCall returns a method call message for the given object
// path and method name.
func NewMethodCall(path ObjectPath, member MemberName) (*Message, error) {
	if !validObjectPath(string(path)) {
		return nil, InvalidStringError{"ObjectPath"}
	}
	if !validMemberName(string(member)) {
		return nil, InvalidStringError{"MemberName"}
	}
	return &Message{Type: TypeMethodCall, Path: path, Member: member, order: fragments.NativeEndian}, nil
}

// NewSignal returns a signal message emitted by the given object.
func NewSignal(path ObjectPath, iface InterfaceName, member MemberName) (*Message, error) {
	if !validObjectPath(string(path)) {
		return nil, InvalidStringError{"ObjectPath"}
	}
	if !validInterfaceName(string(iface)) {
		return nil, InvalidStringError{"InterfaceName"}
	}
	if !validMemberName(string(member)) {
		return nil, InvalidStringError{"MemberName"}
	}
	return &Message{Type: TypeSignal, Path: path, Interface: iface, Member: member, order: fragments.NativeEndian}, nil
}

// NewMethodReturn returns a method return message answering the call
// with the given serial.
func NewMethodReturn(replySerial uint32) *Message {
	return &Message{Type: TypeMethodReturn, ReplySerial: replySerial, order: fragments.NativeEndian}
}

// NewError returns an error message answering the call with the
// given serial.
func NewError(name ErrorName, replySerial uint32) (*Message, error) {
	if !validInterfaceName(string(name)) {
		return nil, InvalidStringError{"ErrorName"}
	}
	return &Message{Type: TypeError, ErrName: name, ReplySerial: replySerial, order: fragments.NativeEndian}, nil
}

// NewHello returns the canonical first method call every connection
// sends: Hello on the bus driver object.
func NewHello() *Message {
	m, err := NewMethodCall("/org/freedesktop/DBus", "Hello")
	if err != nil {
		panic(err)
	}
	m.Interface = "org.freedesktop.DBus"
	m.Destination = "org.freedesktop.DBus"
	return m
}

// SetBody marshals vals as the message body, in the sender's native
// byte order, and records the matching body signature.
func (m *Message) SetBody(vals ...Value) error {
	if len(vals) == 0 {
		m.body, m.sig, m.order = nil, "", fragments.NativeEndian
		return nil
	}
	data, sig, err := Marshal(fragments.NativeEndian, vals...)
	if err != nil {
		return err
	}
	if len(data) >= maxMessageBytes {
		return ErrNumberTooBig
	}
	m.body, m.sig, m.order = data, sig, fragments.NativeEndian
	return nil
}

// Body returns a lazy view over the message body.
func (m *Message) Body() Body {
	return Body{Sig: m.sig, Data: m.body, Order: m.orderOrNative()}
}

// BodySignature returns the signature of the message body. The zero
// signature means an empty body.
func (m *Message) BodySignature() Signature { return m.sig }

func (m *Message) orderOrNative() fragments.ByteOrder {
	if m.order == nil {
		return fragments.NativeEndian
	}
	return m.order
}

// AttachFile adds f to the message's file descriptor table and
// returns the [UnixFD] index value that references it from the body.
// The message takes ownership of f.
func (m *Message) AttachFile(f *os.File) UnixFD {
	m.files = append(m.files, f)
	m.numFDs = uint32(len(m.files))
	return UnixFD(len(m.files) - 1)
}

// Files returns the message's file descriptor table. The files are
// owned by the message; callers that want to keep one past
// [Message.Close] must duplicate it.
func (m *Message) Files() []*os.File { return m.files }

// NumFDs returns the number of file descriptors the message carries,
// or declares in its header for incoming messages.
func (m *Message) NumFDs() uint32 { return m.numFDs }

// Close closes all files the message still owns.
func (m *Message) Close() error {
	var errs []error
	for _, f := range m.files {
		if f != nil {
			errs = append(errs, f.Close())
		}
	}
	m.files = nil
	return errors.Join(errs...)
}

// Valid checks the per-type header field requirements.
func (m *Message) Valid() error {
	switch m.Type {
	case TypeMethodCall:
		if m.Path == "" {
			return fmt.Errorf("%w: method call without Path", ErrInvalidProtocol)
		}
		if m.Member == "" {
			return fmt.Errorf("%w: method call without Member", ErrInvalidProtocol)
		}
	case TypeMethodReturn:
		if m.ReplySerial == 0 {
			return fmt.Errorf("%w: method return without ReplySerial", ErrInvalidProtocol)
		}
	case TypeError:
		if m.ErrName == "" {
			return fmt.Errorf("%w: error without ErrName", ErrInvalidProtocol)
		}
		if m.ReplySerial == 0 {
			return fmt.Errorf("%w: error without ReplySerial", ErrInvalidProtocol)
		}
	case TypeSignal:
		if m.Path == "" {
			return fmt.Errorf("%w: signal without Path", ErrInvalidProtocol)
		}
		if m.Interface == "" {
			return fmt.Errorf("%w: signal without Interface", ErrInvalidProtocol)
		}
		if m.Member == "" {
			return fmt.Errorf("%w: signal without Member", ErrInvalidProtocol)
		}
	default:
		return fmt.Errorf("%w: message type %d", ErrInvalidProtocol, byte(m.Type))
	}
	return nil
}

// MarshalWire encodes the complete frame for the message: the
// 16-byte fixed header, the header field array, padding to the body
// boundary, and the body. serial must be non-zero.
func (m *Message) MarshalWire(serial uint32) ([]byte, error) {
	if serial == 0 {
		return nil, fmt.Errorf("%w: zero serial", ErrInvalidProtocol)
	}
	if err := m.Valid(); err != nil {
		return nil, err
	}
	if len(m.body) >= maxMessageBytes {
		return nil, ErrNumberTooBig
	}

	enc := fragments.Encoder{Order: m.orderOrNative()}
	enc.ByteOrderFlag()
	enc.Uint8(byte(m.Type))
	enc.Uint8(m.Flags & flagMask)
	enc.Uint8(1)
	enc.Uint32(uint32(len(m.body)))
	enc.Uint32(serial)

	err := enc.Array(8, func() error {
		if err := headerString(&enc, 1, "o", string(m.Path)); err != nil {
			return err
		}
		if err := headerString(&enc, 2, "s", string(m.Interface)); err != nil {
			return err
		}
		if err := headerString(&enc, 3, "s", string(m.Member)); err != nil {
			return err
		}
		if err := headerString(&enc, 4, "s", string(m.ErrName)); err != nil {
			return err
		}
		if m.ReplySerial != 0 {
			headerUint32(&enc, 5, m.ReplySerial)
		}
		if err := headerString(&enc, 6, "s", string(m.Destination)); err != nil {
			return err
		}
		if err := headerString(&enc, 7, "s", string(m.Sender)); err != nil {
			return err
		}
		if !m.sig.IsZero() {
			enc.Struct(func() error {
				enc.Uint8(8)
				enc.Signature("g")
				enc.Signature(string(m.sig))
				return nil
			})
		}
		if m.numFDs > 0 {
			headerUint32(&enc, 9, m.numFDs)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	enc.Pad(8)

	if len(enc.Out)+len(m.body) >= maxMessageBytes {
		return nil, ErrNumberTooBig
	}
	enc.Write(m.body)
	return enc.Out, nil
}

// headerString appends one (key, variant) header field holding a
// string-shaped value, omitting absent fields.
func headerString(enc *fragments.Encoder, key uint8, sigCode string, val string) error {
	if val == "" {
		return nil
	}
	return enc.Struct(func() error {
		enc.Uint8(key)
		enc.Signature(sigCode)
		enc.String(val)
		return nil
	})
}

// headerUint32 appends one (key, variant) header field holding a
// uint32.
func headerUint32(enc *fragments.Encoder, key uint8, val uint32) {
	enc.Struct(func() error {
		enc.Uint8(key)
		enc.Signature("u")
		enc.Uint32(val)
		return nil
	})
}

// frameInfo is the result of parsing a frame's fixed 16-byte
// prologue.
type frameInfo struct {
	order     fragments.ByteOrder
	serial    uint32
	bodyStart int
	total     int
}

// parseFrameInfo decodes the fixed prologue of a frame. buf must
// hold at least fixedHeaderSize bytes.
func parseFrameInfo(buf []byte) (frameInfo, error) {
	if len(buf) < fixedHeaderSize {
		return frameInfo{}, ErrNotEnoughData
	}
	order, ok := fragments.OrderForFlag(buf[0])
	if !ok {
		return frameInfo{}, fmt.Errorf("%w: unknown byte order flag %q", ErrInvalidProtocol, buf[0])
	}
	if buf[3] != 1 {
		return frameInfo{}, fmt.Errorf("%w: protocol version %d", ErrInvalidProtocol, buf[3])
	}
	bodyLen := int(order.Uint32(buf[4:8]))
	serial := order.Uint32(buf[8:12])
	arrLen := int(order.Uint32(buf[12:16]))

	bodyStart := alignUp(arrLen, 8) + fixedHeaderSize
	total := bodyStart + bodyLen
	if bodyLen >= maxMessageBytes || arrLen >= 1<<26 || total >= maxMessageBytes {
		return frameInfo{}, ErrNumberTooBig
	}
	if serial == 0 {
		// A zero serial marks the frame malformed; callers treat it
		// like a truncated read.
		return frameInfo{}, ErrNotEnoughData
	}
	return frameInfo{order: order, serial: serial, bodyStart: bodyStart, total: total}, nil
}

// ParseMessage decodes one complete frame. A frame with an unknown
// message type is silently discarded: ParseMessage returns (nil,
// nil) for it, per the protocol's forward compatibility rule.
func ParseMessage(frame []byte) (*Message, error) {
	info, err := parseFrameInfo(frame)
	if err != nil {
		return nil, err
	}
	if len(frame) < info.total {
		return nil, ErrNotEnoughData
	}
	if t := frame[1]; t < 1 || t > 4 {
		return nil, nil
	}

	m := &Message{
		Type:   MsgType(frame[1]),
		Flags:  frame[2] & flagMask,
		Serial: info.serial,
		order:  info.order,
		body:   frame[info.bodyStart:info.total],
	}

	// The header field array is itself a marshalled a{yv} value
	// starting at offset 12 of the frame.
	fields := Single{
		sig:   "a{yv}",
		data:  frame[12:info.bodyStart],
		start: 12,
		order: info.order,
	}
	it, err := fields.Dict()
	if err != nil {
		return nil, err
	}
	for it.Next() {
		kv, vv := it.Entry()
		key, err := kv.Byte()
		if err != nil {
			return nil, err
		}
		val, err := vv.Variant()
		if err != nil {
			return nil, err
		}
		if err := m.setHeaderField(key, val); err != nil {
			return nil, err
		}
	}
	if err := it.Err(); err != nil {
		return nil, err
	}

	if len(m.body) > 0 && m.sig.IsZero() {
		return nil, fmt.Errorf("%w: message body without signature", ErrInvalidProtocol)
	}
	if err := m.Valid(); err != nil {
		return nil, err
	}
	return m, nil
}

// setHeaderField records one decoded header field. Unknown keys are
// ignored.
func (m *Message) setHeaderField(key uint8, val Single) error {
	switch key {
	case 1:
		p, err := val.Path()
		if err != nil {
			return err
		}
		m.Path = p
	case 2:
		s, err := val.String()
		if err != nil {
			return err
		}
		iface, err := ParseInterfaceName(string(s))
		if err != nil {
			return err
		}
		m.Interface = iface
	case 3:
		s, err := val.String()
		if err != nil {
			return err
		}
		member, err := ParseMemberName(string(s))
		if err != nil {
			return err
		}
		m.Member = member
	case 4:
		s, err := val.String()
		if err != nil {
			return err
		}
		name, err := ParseErrorName(string(s))
		if err != nil {
			return err
		}
		m.ErrName = name
	case 5:
		u, err := val.Uint32()
		if err != nil {
			return err
		}
		m.ReplySerial = u
	case 6:
		s, err := val.String()
		if err != nil {
			return err
		}
		name, err := ParseBusName(string(s))
		if err != nil {
			return err
		}
		m.Destination = name
	case 7:
		s, err := val.String()
		if err != nil {
			return err
		}
		name, err := ParseBusName(string(s))
		if err != nil {
			return err
		}
		m.Sender = name
	case 8:
		sig, err := val.Signature()
		if err != nil {
			return err
		}
		m.sig = sig
	case 9:
		u, err := val.Uint32()
		if err != nil {
			return err
		}
		m.numFDs = u
	}
	return nil
}

// A FrameReader accumulates received bytes and carves complete
// frames out of them.
type FrameReader struct {
	buf []byte
}

// Feed appends received bytes.
func (r *FrameReader) Feed(bs []byte) {
	r.buf = append(r.buf, bs...)
}

// Next returns the next complete frame, or nil if more bytes are
// needed. The returned frame is an independent copy. A malformed
// prologue returns an error; the stream cannot be resynchronized
// after one.
func (r *FrameReader) Next() ([]byte, error) {
	if len(r.buf) < fixedHeaderSize {
		return nil, nil
	}
	info, err := parseFrameInfo(r.buf[:fixedHeaderSize])
	if err != nil {
		return nil, err
	}
	if len(r.buf) < info.total {
		return nil, nil
	}
	frame := slices.Clone(r.buf[:info.total])
	r.buf = r.buf[info.total:]
	return frame, nil
}
