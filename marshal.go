package dbus

import (
	"fmt"
	"math"

	"github.com/wirebus/dbus/fragments"
)

// Marshal appends the wire encoding of vals to a fresh buffer in the
// given byte order, as if the buffer began at the start of a frame.
// It returns the encoded bytes and the signature describing them.
func Marshal(order fragments.ByteOrder, vals ...Value) ([]byte, Signature, error) {
	enc := fragments.Encoder{Order: order}
	var sig Signature
	for _, v := range vals {
		if err := appendValue(&enc, v); err != nil {
			return nil, "", err
		}
		sig += v.SignatureDBus()
	}
	return enc.Out, sig, nil
}

// appendValue writes one value to the encoder, padding per the
// alignment of the value's type.
func appendValue(e *fragments.Encoder, v Value) error {
	switch v := v.(type) {
	case Byte:
		e.Uint8(uint8(v))
	case Bool:
		var u uint32
		if v {
			u = 1
		}
		e.Uint32(u)
	case Int16:
		e.Uint16(uint16(v))
	case Uint16:
		e.Uint16(uint16(v))
	case Int32:
		e.Uint32(uint32(v))
	case Uint32:
		e.Uint32(uint32(v))
	case Int64:
		e.Uint64(uint64(v))
	case Uint64:
		e.Uint64(uint64(v))
	case Double:
		e.Uint64(math.Float64bits(float64(v)))
	case UnixFD:
		e.Uint32(uint32(v))
	case String:
		if !validString(string(v)) {
			return InvalidStringError{"String"}
		}
		e.String(string(v))
	case ObjectPath:
		if !validObjectPath(string(v)) {
			return InvalidStringError{"ObjectPath"}
		}
		e.String(string(v))
	case Signature:
		if _, err := ParseSignature(string(v)); err != nil {
			return err
		}
		e.Signature(string(v))
	case Array:
		return appendArray(e, v)
	case Dict:
		return appendDict(e, v)
	case Struct:
		return appendStruct(e, v)
	case Variant:
		return appendVariant(e, v)
	default:
		return fmt.Errorf("%w: unknown value %T", ErrWrongType, v)
	}
	return nil
}

func appendArray(e *fragments.Encoder, a Array) error {
	if _, err := ParseSingleSignature(string(a.Elem)); err != nil {
		return err
	}
	if a.Elem[0] == '{' {
		return fmt.Errorf("%w: dict entries require a Dict value", ErrWrongType)
	}
	return e.Array(a.Elem.align(), func() error {
		for _, elem := range a.Elems {
			if elem.SignatureDBus() != a.Elem {
				return fmt.Errorf("%w: array of %q holds %q element", ErrWrongType, a.Elem, elem.SignatureDBus())
			}
			if err := appendValue(e, elem); err != nil {
				return err
			}
		}
		return nil
	})
}

func appendDict(e *fragments.Encoder, d Dict) error {
	if _, err := ParseSingleSignature(string(d.Key)); err != nil {
		return err
	}
	if !isBasicTypeCode(d.Key[0]) {
		return fmt.Errorf("%w: dict key %q is not a basic type", ErrWrongType, d.Key)
	}
	if _, err := ParseSingleSignature(string(d.Elem)); err != nil {
		return err
	}
	return e.Array(8, func() error {
		for _, ent := range d.Entries {
			if ent.K.SignatureDBus() != d.Key {
				return fmt.Errorf("%w: dict with key type %q holds %q key", ErrWrongType, d.Key, ent.K.SignatureDBus())
			}
			if ent.V.SignatureDBus() != d.Elem {
				return fmt.Errorf("%w: dict with value type %q holds %q value", ErrWrongType, d.Elem, ent.V.SignatureDBus())
			}
			err := e.Struct(func() error {
				if err := appendValue(e, ent.K); err != nil {
					return err
				}
				return appendValue(e, ent.V)
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
}

func appendStruct(e *fragments.Encoder, s Struct) error {
	if len(s.Fields) == 0 {
		return fmt.Errorf("%w: empty struct", ErrWrongType)
	}
	return e.Struct(func() error {
		for _, f := range s.Fields {
			if err := appendValue(e, f); err != nil {
				return err
			}
		}
		return nil
	})
}

func appendVariant(e *fragments.Encoder, v Variant) error {
	if v.V == nil {
		return fmt.Errorf("%w: Variant holds no value", ErrWrongType)
	}
	sig := v.V.SignatureDBus()
	if _, err := ParseSingleSignature(string(sig)); err != nil {
		return err
	}
	e.Signature(string(sig))
	return appendValue(e, v.V)
}
