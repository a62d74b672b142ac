package dbus

import (
	"fmt"

	"github.com/wirebus/dbus/fragments"
)

// A Body is a read-only view over a sequence of marshalled values,
// such as a message body. The view is lazy: no bytes are parsed
// until they are asked for. [Single] views and the container
// iterators are windows into the underlying buffer; the typed
// accessors return Go values, strings included, that do not alias it.
type Body struct {
	// Sig describes the types of the marshalled values.
	Sig Signature
	// Data is the marshalled bytes.
	Data []byte
	// Order is the byte order the values were marshalled in.
	Order fragments.ByteOrder
	// Start is the offset of Data[0] from the start of the frame the
	// values were carried in. Zero for a message body, which always
	// begins 8-aligned.
	Start int
}

// Iter returns an iterator over the body's complete values.
func (b Body) Iter() *BodyIter {
	return &BodyIter{sig: b.Sig, data: b.Data, start: b.Start, order: b.Order}
}

// Values parses the entire body eagerly into owned values. It
// returns an error unless the body's values consume the data
// exactly.
func (b Body) Values() ([]Value, error) {
	var ret []Value
	it := b.Iter()
	for it.Next() {
		v, err := it.Single().Value()
		if err != nil {
			return nil, err
		}
		ret = append(ret, v)
	}
	if err := it.Err(); err != nil {
		return nil, err
	}
	if it.Rest() != 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes after body values", ErrInvalidProtocol, it.Rest())
	}
	return ret, nil
}

// Unmarshal parses data, marshalled in the given byte order and
// described by sig, into owned values. The data must be consumed
// exactly.
func Unmarshal(order fragments.ByteOrder, sig Signature, data []byte) ([]Value, error) {
	return Body{Sig: sig, Data: data, Order: order}.Values()
}

// A BodyIter walks a [Body], yielding one [Single] view per complete
// type in the body's signature. The usual loop is:
//
//	it := body.Iter()
//	for it.Next() {
//	    s := it.Single()
//	    ...
//	}
//	if err := it.Err(); err != nil { ... }
type BodyIter struct {
	sig   Signature
	data  []byte
	start int
	order fragments.ByteOrder

	cur Single
	err error
}

// Next advances to the next value. It returns false when the
// signature is exhausted or an error occurs.
func (it *BodyIter) Next() bool {
	if it.err != nil || it.sig.IsZero() {
		return false
	}
	first, rest := it.sig.next()
	// Skip any padding before the value, so its view starts aligned.
	pad := alignUp(it.start, first.align()) - it.start
	if pad > len(it.data) {
		it.err = ErrNotEnoughData
		return false
	}
	it.data = it.data[pad:]
	it.start += pad
	s := Single{sig: first, data: it.data, start: it.start, order: it.order}
	ln, err := s.realLength()
	if err != nil {
		it.err = err
		return false
	}
	if !rest.IsZero() {
		// Fold the padding before the next value into this one's
		// extent, so the iterator resumes aligned.
		ln = alignUp(ln+it.start, rest.align()) - it.start
	}
	if ln > len(it.data) {
		it.err = ErrNotEnoughData
		return false
	}
	s.data = it.data[:ln]
	it.data = it.data[ln:]
	it.start += ln
	it.sig = rest
	it.cur = s
	return true
}

// Single returns the view of the value Next advanced to.
func (it *BodyIter) Single() Single { return it.cur }

// Err returns the error that stopped iteration, if any.
func (it *BodyIter) Err() error { return it.err }

// Rest returns the number of bytes not yet consumed by iteration.
func (it *BodyIter) Rest() int { return len(it.data) }

// A Single is a lazy view of one marshalled value. Its typed
// accessors parse the value on demand and report [ErrWrongType] when
// the view's type does not match the accessor.
type Single struct {
	sig   Signature
	data  []byte
	start int
	order fragments.ByteOrder
}

// Type returns the signature of the viewed value.
func (s Single) Type() Signature { return s.sig }

func (s Single) dec() *fragments.Decoder {
	return &fragments.Decoder{Order: s.order, Data: s.data, Start: s.start}
}

func (s Single) wantType(codes string) error {
	for i := 0; i < len(codes); i++ {
		if s.sig[0] == codes[i] {
			return nil
		}
	}
	return fmt.Errorf("%w: value has type %q", ErrWrongType, s.sig)
}

// realLength returns the number of bytes the viewed value occupies,
// excluding any trailing alignment padding.
func (s Single) realLength() (int, error) {
	d := s.dec()
	switch s.sig[0] {
	case 'y':
		return 1, nil
	case 'n', 'q':
		return 2, nil
	case 'b', 'i', 'u', 'h':
		return 4, nil
	case 'x', 't', 'd':
		return 8, nil
	case 's', 'o':
		ln, err := d.Uint32()
		if err != nil {
			return 0, err
		}
		return int(ln) + 4 + 1, nil
	case 'g':
		ln, err := d.Uint8()
		if err != nil {
			return 0, err
		}
		return int(ln) + 1 + 1, nil
	case 'a':
		ln, err := d.ArrayLen()
		if err != nil {
			return 0, err
		}
		elemAlign := alignOf(s.sig.arrayElem()[0])
		dataStart := alignUp(s.start+4, elemAlign) - s.start
		return dataStart + ln, nil
	case 'v':
		inner, err := s.variantInner()
		if err != nil {
			return 0, err
		}
		innerLen, err := inner.realLength()
		if err != nil {
			return 0, err
		}
		return (inner.start - s.start) + innerLen, nil
	case '(':
		it := &BodyIter{sig: s.sig.structFields(), data: s.data, start: s.start, order: s.order}
		for it.Next() {
		}
		if err := it.Err(); err != nil {
			return 0, err
		}
		return len(s.data) - it.Rest(), nil
	}
	panic("unexpected byte in type signature")
}

// variantInner returns the view of a variant's carried value.
func (s Single) variantInner() (Single, error) {
	d := s.dec()
	sigBytes, err := d.SignatureBytes()
	if err != nil {
		return Single{}, err
	}
	sig, err := ParseSingleSignature(string(sigBytes))
	if err != nil {
		return Single{}, InvalidStringError{"Signature"}
	}
	dataStart := alignUp(s.start+d.Pos(), sig.align()) - s.start
	if dataStart > len(s.data) {
		return Single{}, ErrNotEnoughData
	}
	return Single{sig: sig, data: s.data[dataStart:], start: s.start + dataStart, order: s.order}, nil
}

// Byte parses the view as a byte.
func (s Single) Byte() (byte, error) {
	if err := s.wantType("y"); err != nil {
		return 0, err
	}
	return s.dec().Uint8()
}

// Bool parses the view as a boolean, rejecting wire values outside
// {0, 1}.
func (s Single) Bool() (bool, error) {
	if err := s.wantType("b"); err != nil {
		return false, err
	}
	u, err := s.dec().Uint32()
	if err != nil {
		return false, err
	}
	switch u {
	case 0:
		return false, nil
	case 1:
		return true, nil
	}
	return false, ErrInvalidBoolean
}

// Int16 parses the view as an int16.
func (s Single) Int16() (int16, error) {
	if err := s.wantType("n"); err != nil {
		return 0, err
	}
	u, err := s.dec().Uint16()
	return int16(u), err
}

// Uint16 parses the view as a uint16.
func (s Single) Uint16() (uint16, error) {
	if err := s.wantType("q"); err != nil {
		return 0, err
	}
	return s.dec().Uint16()
}

// Int32 parses the view as an int32.
func (s Single) Int32() (int32, error) {
	if err := s.wantType("i"); err != nil {
		return 0, err
	}
	u, err := s.dec().Uint32()
	return int32(u), err
}

// Uint32 parses the view as a uint32.
func (s Single) Uint32() (uint32, error) {
	if err := s.wantType("u"); err != nil {
		return 0, err
	}
	return s.dec().Uint32()
}

// Int64 parses the view as an int64.
func (s Single) Int64() (int64, error) {
	if err := s.wantType("x"); err != nil {
		return 0, err
	}
	u, err := s.dec().Uint64()
	return int64(u), err
}

// Uint64 parses the view as a uint64.
func (s Single) Uint64() (uint64, error) {
	if err := s.wantType("t"); err != nil {
		return 0, err
	}
	return s.dec().Uint64()
}

// Double parses the view as a float64.
func (s Single) Double() (float64, error) {
	if err := s.wantType("d"); err != nil {
		return 0, err
	}
	return s.dec().Double()
}

// FD parses the view as a file descriptor index.
func (s Single) FD() (UnixFD, error) {
	if err := s.wantType("h"); err != nil {
		return 0, err
	}
	u, err := s.dec().Uint32()
	return UnixFD(u), err
}

// String parses the view as a string, re-validating it against the
// DBus string grammar.
func (s Single) String() (String, error) {
	if err := s.wantType("s"); err != nil {
		return "", err
	}
	bs, err := s.dec().StringBytes()
	if err != nil {
		return "", err
	}
	if !validString(string(bs)) {
		return "", InvalidStringError{"String"}
	}
	return String(bs), nil
}

// Path parses the view as an object path.
func (s Single) Path() (ObjectPath, error) {
	if err := s.wantType("o"); err != nil {
		return "", err
	}
	bs, err := s.dec().StringBytes()
	if err != nil {
		return "", err
	}
	if !validObjectPath(string(bs)) {
		return "", InvalidStringError{"ObjectPath"}
	}
	return ObjectPath(bs), nil
}

// Signature parses the view as a signature value.
func (s Single) Signature() (Signature, error) {
	if err := s.wantType("g"); err != nil {
		return "", err
	}
	bs, err := s.dec().SignatureBytes()
	if err != nil {
		return "", err
	}
	sig, err := ParseSignature(string(bs))
	if err != nil {
		return "", InvalidStringError{"Signature"}
	}
	return sig, nil
}

// Array returns an iterator over the view's array elements. Dicts
// must be read with [Single.Dict] instead.
func (s Single) Array() (*ArrayIter, error) {
	if err := s.wantType("a"); err != nil {
		return nil, err
	}
	if s.sig.isDict() {
		return nil, fmt.Errorf("%w: value is a dict", ErrWrongType)
	}
	window, start, err := s.arrayWindow()
	if err != nil {
		return nil, err
	}
	return &ArrayIter{elem: s.sig.arrayElem(), data: window, start: start, order: s.order}, nil
}

// Dict returns an iterator over the view's dict entries.
func (s Single) Dict() (*DictIter, error) {
	if err := s.wantType("a"); err != nil {
		return nil, err
	}
	if !s.sig.isDict() {
		return nil, fmt.Errorf("%w: value is a plain array", ErrWrongType)
	}
	window, start, err := s.arrayWindow()
	if err != nil {
		return nil, err
	}
	key, elem := s.sig.dictKeyElem()
	return &DictIter{key: key, elem: elem, data: window, start: start, order: s.order}, nil
}

// arrayWindow slices out the element bytes of an array or dict view,
// skipping the length field and the padding to element alignment.
func (s Single) arrayWindow() (window []byte, start int, err error) {
	d := s.dec()
	ln, err := d.ArrayLen()
	if err != nil {
		return nil, 0, err
	}
	elemAlign := alignOf(s.sig.arrayElem()[0])
	dataStart := alignUp(s.start+4, elemAlign) - s.start
	if dataStart+ln > len(s.data) {
		return nil, 0, ErrNotEnoughData
	}
	return s.data[dataStart : dataStart+ln], s.start + dataStart, nil
}

// Struct returns an iterator over the view's struct fields.
func (s Single) Struct() (*BodyIter, error) {
	if err := s.wantType("("); err != nil {
		return nil, err
	}
	return &BodyIter{sig: s.sig.structFields(), data: s.data, start: s.start, order: s.order}, nil
}

// Variant returns the view of the variant's carried value.
func (s Single) Variant() (Single, error) {
	if err := s.wantType("v"); err != nil {
		return Single{}, err
	}
	return s.variantInner()
}

// Value parses the view eagerly into an owned [Value] that shares no
// memory with the frame buffer.
func (s Single) Value() (Value, error) {
	switch s.sig[0] {
	case 'y':
		v, err := s.Byte()
		return Byte(v), err
	case 'b':
		v, err := s.Bool()
		return Bool(v), err
	case 'n':
		v, err := s.Int16()
		return Int16(v), err
	case 'q':
		v, err := s.Uint16()
		return Uint16(v), err
	case 'i':
		v, err := s.Int32()
		return Int32(v), err
	case 'u':
		v, err := s.Uint32()
		return Uint32(v), err
	case 'x':
		v, err := s.Int64()
		return Int64(v), err
	case 't':
		v, err := s.Uint64()
		return Uint64(v), err
	case 'd':
		v, err := s.Double()
		return Double(v), err
	case 'h':
		return s.FD()
	case 's':
		v, err := s.String()
		return String(string(v)), err
	case 'o':
		v, err := s.Path()
		return ObjectPath(string(v)), err
	case 'g':
		return s.Signature()
	case 'a':
		if s.sig.isDict() {
			it, err := s.Dict()
			if err != nil {
				return nil, err
			}
			ret := Dict{Key: it.key, Elem: it.elem}
			for it.Next() {
				k, v := it.Entry()
				ko, err := k.Value()
				if err != nil {
					return nil, err
				}
				vo, err := v.Value()
				if err != nil {
					return nil, err
				}
				ret.Entries = append(ret.Entries, DictEntry{ko, vo})
			}
			return ret, it.Err()
		}
		it, err := s.Array()
		if err != nil {
			return nil, err
		}
		ret := Array{Elem: it.elem}
		for it.Next() {
			v, err := it.Single().Value()
			if err != nil {
				return nil, err
			}
			ret.Elems = append(ret.Elems, v)
		}
		return ret, it.Err()
	case '(':
		it, err := s.Struct()
		if err != nil {
			return nil, err
		}
		var ret Struct
		for it.Next() {
			v, err := it.Single().Value()
			if err != nil {
				return nil, err
			}
			ret.Fields = append(ret.Fields, v)
		}
		return ret, it.Err()
	case 'v':
		inner, err := s.Variant()
		if err != nil {
			return nil, err
		}
		v, err := inner.Value()
		if err != nil {
			return nil, err
		}
		return Variant{v}, nil
	}
	panic("unexpected byte in type signature")
}

// An ArrayIter walks the elements of an array view, in the same
// style as [BodyIter].
type ArrayIter struct {
	elem  Signature
	data  []byte
	start int
	order fragments.ByteOrder

	cur Single
	err error
}

// Elem returns the array's declared element signature.
func (it *ArrayIter) Elem() Signature { return it.elem }

// Next advances to the next element. It returns false when the
// array's bytes are exhausted or an error occurs.
func (it *ArrayIter) Next() bool {
	if it.err != nil || len(it.data) == 0 {
		return false
	}
	s := Single{sig: it.elem, data: it.data, start: it.start, order: it.order}
	ln, err := s.realLength()
	if err != nil {
		it.err = err
		return false
	}
	if ln > len(it.data) {
		it.err = ErrNotEnoughData
		return false
	}
	s.data = it.data[:ln]
	if ln < len(it.data) {
		adv := alignUp(ln+it.start, it.elem.align()) - it.start
		if adv > len(it.data) {
			it.err = ErrNotEnoughData
			return false
		}
		it.data = it.data[adv:]
		it.start += adv
	} else {
		it.data = nil
		it.start += ln
	}
	it.cur = s
	return true
}

// Single returns the view of the element Next advanced to.
func (it *ArrayIter) Single() Single { return it.cur }

// Err returns the error that stopped iteration, if any.
func (it *ArrayIter) Err() error { return it.err }

// A DictIter walks the entries of a dict view, in the same style as
// [BodyIter].
type DictIter struct {
	key   Signature
	elem  Signature
	data  []byte
	start int
	order fragments.ByteOrder

	curK, curV Single
	err        error
}

// Key returns the dict's declared key signature.
func (it *DictIter) Key() Signature { return it.key }

// Elem returns the dict's declared value signature.
func (it *DictIter) Elem() Signature { return it.elem }

// Next advances to the next entry. It returns false when the dict's
// bytes are exhausted or an error occurs.
func (it *DictIter) Next() bool {
	if it.err != nil || len(it.data) == 0 {
		return false
	}
	// Dict entries are 8-aligned structs of key then value.
	pad := alignUp(it.start, 8) - it.start
	if pad > len(it.data) {
		it.err = ErrNotEnoughData
		return false
	}
	it.data = it.data[pad:]
	it.start += pad

	entry := &BodyIter{sig: it.key + it.elem, data: it.data, start: it.start, order: it.order}
	if !entry.Next() {
		it.err = entry.Err()
		if it.err == nil {
			it.err = ErrNotEnoughData
		}
		return false
	}
	it.curK = entry.Single()
	if !entry.Next() {
		it.err = entry.Err()
		if it.err == nil {
			it.err = ErrNotEnoughData
		}
		return false
	}
	it.curV = entry.Single()

	consumed := len(it.data) - entry.Rest()
	it.data = it.data[consumed:]
	it.start += consumed
	return true
}

// Entry returns the views of the entry Next advanced to.
func (it *DictIter) Entry() (key, value Single) { return it.curK, it.curV }

// Err returns the error that stopped iteration, if any.
func (it *DictIter) Err() error { return it.err }
