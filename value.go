package dbus

// A Value is one DBus value: a basic scalar, a string-shaped value,
// or a container. Values carry their own type: [Value.SignatureDBus]
// returns the single complete type the value conforms to. For
// containers the declared element signatures are authoritative, not
// the runtime contents; an empty Array of int32 is still "ai".
//
// The concrete Value types are [Byte], [Bool], [Int16], [Uint16],
// [Int32], [Uint32], [Int64], [Uint64], [Double], [UnixFD],
// [String], [ObjectPath], [Signature], [Array], [Dict], [Struct] and
// [Variant].
type Value interface {
	// SignatureDBus returns the signature of the value's type, a
	// single complete type.
	SignatureDBus() Signature
}

// Byte is the DBus unsigned 8-bit type.
type Byte uint8

// Bool is the DBus boolean type, wire-encoded as a uint32 in {0,1}.
type Bool bool

// Int16 is the DBus signed 16-bit type.
type Int16 int16

// Uint16 is the DBus unsigned 16-bit type.
type Uint16 uint16

// Int32 is the DBus signed 32-bit type.
type Int32 int32

// Uint32 is the DBus unsigned 32-bit type.
type Uint32 uint32

// Int64 is the DBus signed 64-bit type.
type Int64 int64

// Uint64 is the DBus unsigned 64-bit type.
type Uint64 uint64

// Double is the DBus IEEE-754 double-precision type.
type Double float64

// UnixFD is the DBus file descriptor type. The value is an index
// into the owning message's file descriptor table, not a descriptor
// number; the descriptors themselves travel out of band.
type UnixFD uint32

func (Byte) SignatureDBus() Signature { return "y" }
func (Bool) SignatureDBus() Signature { return "b" }
func (Int16) SignatureDBus() Signature { return "n" }
func (Uint16) SignatureDBus() Signature { return "q" }
func (Int32) SignatureDBus() Signature { return "i" }
func (Uint32) SignatureDBus() Signature { return "u" }
func (Int64) SignatureDBus() Signature { return "x" }
func (Uint64) SignatureDBus() Signature { return "t" }
func (Double) SignatureDBus() Signature { return "d" }
func (UnixFD) SignatureDBus() Signature { return "h" }
func (String) SignatureDBus() Signature { return "s" }
func (ObjectPath) SignatureDBus() Signature { return "o" }
func (Signature) SignatureDBus() Signature { return "g" }

// An Array is a homogeneous sequence of values. Elem is the declared
// element signature; every element must conform to it.
type Array struct {
	Elem  Signature
	Elems []Value
}

func (a Array) SignatureDBus() Signature { return "a" + a.Elem }

// NewArray returns an Array with the given declared element
// signature and elements.
func NewArray(elem Signature, elems ...Value) Array {
	return Array{Elem: elem, Elems: elems}
}

// A Dict is a sequence of key/value entries. Every key must conform
// to the declared Key signature, which must be a basic type, and
// every value to the declared Elem signature.
type Dict struct {
	Key     Signature
	Elem    Signature
	Entries []DictEntry
}

// A DictEntry is one key/value pair of a Dict.
type DictEntry struct {
	K, V Value
}

func (d Dict) SignatureDBus() Signature {
	return "a{" + d.Key + d.Elem + "}"
}

// NewDict returns a Dict with the given declared key and value
// signatures and entries.
func NewDict(key, elem Signature, entries ...DictEntry) Dict {
	return Dict{Key: key, Elem: elem, Entries: entries}
}

// A Struct is an ordered heterogeneous sequence of values. A Struct
// must have at least one field.
type Struct struct {
	Fields []Value
}

func (s Struct) SignatureDBus() Signature {
	sig := Signature("(")
	for _, f := range s.Fields {
		sig += f.SignatureDBus()
	}
	return sig + ")"
}

// NewStruct returns a Struct with the given fields.
func NewStruct(fields ...Value) Struct {
	return Struct{Fields: fields}
}

// A Variant is a value of any single complete type, wire-encoded
// together with its own signature.
type Variant struct {
	V Value
}

func (Variant) SignatureDBus() Signature { return "v" }

// Equal reports whether two values are structurally equal: same
// variant, same declared signatures, and recursively equal contents.
func Equal(a, b Value) bool {
	if a == nil || b == nil {
		return a == b
	}
	switch av := a.(type) {
	case Array:
		bv, ok := b.(Array)
		if !ok || av.Elem != bv.Elem || len(av.Elems) != len(bv.Elems) {
			return false
		}
		for i := range av.Elems {
			if !Equal(av.Elems[i], bv.Elems[i]) {
				return false
			}
		}
		return true
	case Dict:
		bv, ok := b.(Dict)
		if !ok || av.Key != bv.Key || av.Elem != bv.Elem || len(av.Entries) != len(bv.Entries) {
			return false
		}
		for i := range av.Entries {
			if !Equal(av.Entries[i].K, bv.Entries[i].K) || !Equal(av.Entries[i].V, bv.Entries[i].V) {
				return false
			}
		}
		return true
	case Struct:
		bv, ok := b.(Struct)
		if !ok || len(av.Fields) != len(bv.Fields) {
			return false
		}
		for i := range av.Fields {
			if !Equal(av.Fields[i], bv.Fields[i]) {
				return false
			}
		}
		return true
	case Variant:
		bv, ok := b.(Variant)
		return ok && Equal(av.V, bv.V)
	default:
		return a == b
	}
}
