// Package fragments provides byte-level helpers to read and write
// pieces of the DBus wire format.
//
// The DBus wire format aligns every value to a multiple of its
// alignment, counted from the start of the message. An [Encoder]
// tracks the output offset and inserts zeroed padding as values are
// appended. A [Decoder] is a bounds-checked cursor over a received
// frame (or a window into one) that consumes the same padding on the
// way back out.
//
// This package knows nothing about type signatures or messages; it
// deals only in scalars, strings, and the framing of arrays and
// structs. Higher layers supply the typing.
package fragments
