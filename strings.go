package dbus

import (
	"strings"
	"unicode/utf8"
)

// The DBus string kinds. Each kind is a defined string type with its
// own validation grammar, checked by the corresponding Parse
// function. Converting a raw Go string directly to a kind bypasses
// validation; that is the deliberate escape hatch for strings that
// are known valid, such as compile-time constants. Sending an
// invalid string to the bus typically results in immediate
// disconnection, so the conversion should be used sparingly.
//
// Every kind widens to a plain string for free. Converting between
// two kinds requires re-validation through the target kind's Parse
// function.

// maxStringBytes caps every DBus string at the maximum message size,
// 2^27 bytes.
const maxStringBytes = 1 << 27

// maxNameBytes caps bus, interface, member and error names, and type
// signatures.
const maxNameBytes = 255

// A String is a generic DBus string: valid UTF-8 with no interior
// zero byte.
type String string

// A BusName identifies a connection on the bus: either a unique name
// like ":1.42", or a well-known name like "org.freedesktop.DBus".
type BusName string

// An InterfaceName identifies a DBus interface, like
// "org.freedesktop.DBus.Properties".
type InterfaceName string

// A MemberName identifies a method or signal within an interface,
// like "Hello".
type MemberName string

// An ErrorName identifies a DBus error, like
// "org.freedesktop.DBus.Error.Failed". Error names follow the same
// grammar as interface names.
type ErrorName string

// An ObjectPath identifies an object exposed by a bus peer, like
// "/org/freedesktop/DBus".
type ObjectPath string

// ParseString validates s as a generic DBus string.
func ParseString(s string) (String, error) {
	if !validString(s) {
		return "", InvalidStringError{"String"}
	}
	return String(s), nil
}

// ParseBusName validates s as a bus name.
func ParseBusName(s string) (BusName, error) {
	if !validBusName(s) {
		return "", InvalidStringError{"BusName"}
	}
	return BusName(s), nil
}

// ParseInterfaceName validates s as an interface name.
func ParseInterfaceName(s string) (InterfaceName, error) {
	if !validInterfaceName(s) {
		return "", InvalidStringError{"InterfaceName"}
	}
	return InterfaceName(s), nil
}

// ParseMemberName validates s as a member name.
func ParseMemberName(s string) (MemberName, error) {
	if !validMemberName(s) {
		return "", InvalidStringError{"MemberName"}
	}
	return MemberName(s), nil
}

// ParseErrorName validates s as an error name.
func ParseErrorName(s string) (ErrorName, error) {
	if !validInterfaceName(s) {
		return "", InvalidStringError{"ErrorName"}
	}
	return ErrorName(s), nil
}

// ParseObjectPath validates s as an object path.
func ParseObjectPath(s string) (ObjectPath, error) {
	if !validObjectPath(s) {
		return "", InvalidStringError{"ObjectPath"}
	}
	return ObjectPath(s), nil
}

func (s String) String() string        { return string(s) }
func (n BusName) String() string       { return string(n) }
func (n InterfaceName) String() string { return string(n) }
func (n MemberName) String() string    { return string(n) }
func (n ErrorName) String() string     { return string(n) }
func (p ObjectPath) String() string    { return string(p) }

// IsUnique reports whether the name is a bus-assigned unique name
// rather than a well-known name.
func (n BusName) IsUnique() bool {
	return strings.HasPrefix(string(n), ":")
}

func isAlpha(b byte) bool {
	return b >= 'A' && b <= 'Z' || b >= 'a' && b <= 'z' || b == '_'
}

func isAlnum(b byte) bool {
	return isAlpha(b) || b >= '0' && b <= '9'
}

func validString(s string) bool {
	if len(s) >= maxStringBytes {
		return false
	}
	if strings.IndexByte(s, 0) >= 0 {
		return false
	}
	return utf8.ValidString(s)
}

func validMemberName(s string) bool {
	if len(s) == 0 || len(s) > maxNameBytes {
		return false
	}
	if !isAlpha(s[0]) {
		return false
	}
	for i := 1; i < len(s); i++ {
		if !isAlnum(s[i]) {
			return false
		}
	}
	return true
}

// validInterfaceName also covers error names, which share the
// grammar.
func validInterfaceName(s string) bool {
	if len(s) == 0 || len(s) > maxNameBytes {
		return false
	}
	elems := strings.Split(s, ".")
	if len(elems) < 2 {
		return false
	}
	for _, elem := range elems {
		if !validMemberName(elem) {
			return false
		}
	}
	return true
}

func validBusName(s string) bool {
	if len(s) == 0 || len(s) > maxNameBytes {
		return false
	}
	unique := s[0] == ':'
	if unique {
		s = s[1:]
	}
	elems := strings.Split(s, ".")
	if len(elems) < 2 {
		return false
	}
	for _, elem := range elems {
		if len(elem) == 0 {
			return false
		}
		for i := 0; i < len(elem); i++ {
			b := elem[i]
			switch {
			case isAlnum(b) || b == '-':
				// Unique names allow digits and hyphens anywhere.
			default:
				return false
			}
			if !unique && i == 0 && (b >= '0' && b <= '9') {
				// Well-known name elements cannot start with a digit.
				return false
			}
		}
	}
	return true
}

func validObjectPath(s string) bool {
	if len(s) == 0 || s[0] != '/' {
		return false
	}
	if s == "/" {
		return true
	}
	for _, elem := range strings.Split(s[1:], "/") {
		if len(elem) == 0 {
			return false
		}
		for i := 0; i < len(elem); i++ {
			if !isAlnum(elem[i]) {
				return false
			}
		}
	}
	return true
}
