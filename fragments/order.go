package fragments

import (
	"encoding/binary"

	"golang.org/x/sys/cpu"
)

// A ByteOrder encodes and decodes multi-byte values in a DBus wire
// message, and knows the protocol flag byte for the ordering.
type ByteOrder interface {
	byteOrder
	// Flag returns the DBus byte order flag byte, 'l' or 'B'.
	Flag() byte
}

type byteOrder interface {
	binary.ByteOrder
	binary.AppendByteOrder
}

type wrapStd struct {
	byteOrder
}

func (w wrapStd) Flag() byte {
	switch w.byteOrder {
	case binary.BigEndian:
		return 'B'
	case binary.LittleEndian:
		return 'l'
	case binary.NativeEndian:
		if cpu.IsBigEndian {
			return 'B'
		}
		return 'l'
	default:
		panic("unknown ByteOrder, how did you manage to make one of those?")
	}
}

var (
	BigEndian    ByteOrder = wrapStd{binary.BigEndian}
	LittleEndian ByteOrder = wrapStd{binary.LittleEndian}
	NativeEndian ByteOrder = wrapStd{binary.NativeEndian}
)

// OrderForFlag returns the ByteOrder named by a DBus byte order flag
// byte. ok is false if flag is not 'l' or 'B'.
func OrderForFlag(flag byte) (order ByteOrder, ok bool) {
	switch flag {
	case 'l':
		return LittleEndian, true
	case 'B':
		return BigEndian, true
	}
	return nil, false
}
