package dbus

import "iter"

// A Signature describes the type of a DBus value, or of a sequence
// of values such as a message body. It is a validated string of
// complete type codes, e.g. "a{sv}" or "ii".
//
// The zero Signature describes a void value (an empty message body).
// Converting a raw Go string directly to a Signature bypasses
// validation, like the other string kinds.
type Signature string

// maxContainerDepth is the maximum nesting depth of arrays, and
// separately of structs, within one signature.
const maxContainerDepth = 32

const basicTypeCodes = "ybnqiuxtdhsog"

// ParseSignature validates s as the signature of zero or more
// complete types.
func ParseSignature(s string) (Signature, error) {
	if len(s) > maxNameBytes {
		return "", SignatureError{s, 0, "exceeds 255 bytes"}
	}
	pos, err := sigMulti(s, 0, 0, 0)
	if err != nil {
		return "", err
	}
	if pos != len(s) {
		return "", SignatureError{s, pos, "trailing bytes after complete types"}
	}
	return Signature(s), nil
}

// ParseSingleSignature validates s as the signature of exactly one
// complete type.
func ParseSingleSignature(s string) (Signature, error) {
	if len(s) > maxNameBytes {
		return "", SignatureError{s, 0, "exceeds 255 bytes"}
	}
	if len(s) == 0 {
		return "", SignatureError{s, 0, "empty signature"}
	}
	pos, err := sigSingle(s, 0, 0, 0)
	if err != nil {
		return "", err
	}
	if pos != len(s) {
		return "", SignatureError{s, pos, "more than one complete type"}
	}
	return Signature(s), nil
}

// sigMulti consumes zero or more complete types starting at pos,
// stopping at end of input or a ')'. It returns the offset of the
// first unconsumed byte.
func sigMulti(s string, pos, arrs, structs int) (int, error) {
	for pos < len(s) {
		if s[pos] == ')' {
			return pos, nil
		}
		next, err := sigSingle(s, pos, arrs, structs)
		if err != nil {
			return 0, err
		}
		pos = next
	}
	return pos, nil
}

// sigSingle consumes one complete type starting at pos and returns
// the offset just past it.
func sigSingle(s string, pos, arrs, structs int) (int, error) {
	if pos >= len(s) {
		return 0, SignatureError{s, pos, "missing type"}
	}
	c := s[pos]
	if isBasicTypeCode(c) || c == 'v' {
		return pos + 1, nil
	}
	switch c {
	case 'a':
		if arrs >= maxContainerDepth {
			return 0, SignatureError{s, pos, "arrays nested too deeply"}
		}
		if pos+1 < len(s) && s[pos+1] == '{' {
			// Dict entries appear only as array elements, and the
			// key must be a basic type.
			kpos := pos + 2
			if kpos >= len(s) || !isBasicTypeCode(s[kpos]) {
				return 0, SignatureError{s, kpos, "dict key must be a basic type"}
			}
			vend, err := sigSingle(s, kpos+1, arrs+1, structs)
			if err != nil {
				return 0, err
			}
			if vend >= len(s) || s[vend] != '}' {
				return 0, SignatureError{s, vend, "missing closing } in dict entry"}
			}
			return vend + 1, nil
		}
		return sigSingle(s, pos+1, arrs+1, structs)
	case '(':
		if structs >= maxContainerDepth {
			return 0, SignatureError{s, pos, "structs nested too deeply"}
		}
		end, err := sigMulti(s, pos+1, arrs, structs+1)
		if err != nil {
			return 0, err
		}
		if end == pos+1 {
			return 0, SignatureError{s, pos, "empty struct"}
		}
		if end >= len(s) || s[end] != ')' {
			return 0, SignatureError{s, end, "missing closing ) in struct"}
		}
		return end + 1, nil
	}
	return 0, SignatureError{s, pos, "unknown type code"}
}

func isBasicTypeCode(c byte) bool {
	for i := 0; i < len(basicTypeCodes); i++ {
		if basicTypeCodes[i] == c {
			return true
		}
	}
	return false
}

// IsZero reports whether the signature is the zero value, describing
// a void value.
func (s Signature) IsZero() bool { return len(s) == 0 }

// Single reports whether the signature contains exactly one complete
// type, as opposed to being a multi-type message signature.
func (s Signature) Single() bool {
	if s.IsZero() {
		return false
	}
	_, rest := s.next()
	return rest.IsZero()
}

// next splits off the first complete type. It assumes s is valid and
// non-empty.
func (s Signature) next() (first, rest Signature) {
	n, err := sigSingle(string(s), 0, 0, 0)
	if err != nil {
		panic("invalid Signature: " + err.Error())
	}
	return s[:n], s[n:]
}

// Parts iterates over the complete types of the signature in order.
func (s Signature) Parts() iter.Seq[Signature] {
	return func(yield func(Signature) bool) {
		for !s.IsZero() {
			var first Signature
			first, s = s.next()
			if !yield(first) {
				return
			}
		}
	}
}

func (s Signature) String() string { return string(s) }

// arrayElem returns the element signature of an array signature.
// For a dict signature "a{kv}" it returns "{kv}".
func (s Signature) arrayElem() Signature { return s[1:] }

// isDict reports whether s is a dict signature, an array of dict
// entries.
func (s Signature) isDict() bool {
	return len(s) > 1 && s[0] == 'a' && s[1] == '{'
}

// dictKeyElem splits a dict signature "a{kv}" into its key and value
// signatures. It assumes s is a valid dict signature.
func (s Signature) dictKeyElem() (key, elem Signature) {
	inner := s[2 : len(s)-1]
	return inner.next()
}

// structFields returns the field signature sequence of a struct
// signature "(...)". It assumes s is a valid struct signature.
func (s Signature) structFields() Signature {
	return s[1 : len(s)-1]
}

// alignOf returns the wire alignment of the type that begins with
// code c.
func alignOf(c byte) int {
	switch c {
	case 'y', 'g', 'v':
		return 1
	case 'n', 'q':
		return 2
	case 'b', 'i', 'u', 's', 'o', 'a', 'h':
		return 4
	case 'x', 't', 'd', '(', '{':
		return 8
	}
	panic("unexpected byte in type signature")
}

// align returns the wire alignment of the signature's first complete
// type.
func (s Signature) align() int { return alignOf(s[0]) }

// alignUp rounds pos up to a multiple of align.
func alignUp(pos, align int) int {
	return (pos + align - 1) &^ (align - 1)
}
