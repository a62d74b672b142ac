package dbus

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/kr/pretty"
	"github.com/wirebus/dbus/fragments"
)

// roundTripCorpus is a set of values covering every variant of the
// value model, including empty containers and nested variants.
var roundTripCorpus = []Value{
	Byte(0),
	Byte(255),
	Bool(true),
	Bool(false),
	Int16(-2),
	Uint16(0xffff),
	Int32(-70000),
	Uint32(0xdeadbeef),
	Int64(-1 << 40),
	Uint64(1 << 60),
	Double(3.25),
	UnixFD(1),
	String(""),
	String("hello, world"),
	ObjectPath("/"),
	ObjectPath("/org/freedesktop/DBus"),
	Signature(""),
	Signature("a{sv}"),
	NewArray("i"),
	NewArray("i", Int32(1), Int32(2), Int32(3)),
	NewArray("s", String("fo"), String("bar")),
	NewArray("t", Uint64(1), Uint64(2)),
	NewArray("ay", NewArray("y", Byte(1)), NewArray("y")),
	NewArray("(yb)", NewStruct(Byte(1), Bool(false))),
	NewDict("s", "v"),
	NewDict("s", "v",
		DictEntry{String("a"), Variant{Uint32(7)}},
		DictEntry{String("b"), Variant{String("x")}},
	),
	NewDict("y", "x", DictEntry{Byte(9), Int64(-9)}),
	NewStruct(Int16(42), Bool(true)),
	NewStruct(Byte(1), NewStruct(String("deep"), NewArray("d", Double(1.5)))),
	Variant{Int16(-1)},
	Variant{Variant{String("vv")}},
	Variant{NewStruct(Uint32(1), String("s"))},
}

// Every value must survive a marshal/unmarshal round trip at every
// byte order and every frame-start alignment, and parsing must
// consume exactly the bytes marshalling produced.
func TestRoundTrip(t *testing.T) {
	orders := map[string]fragments.ByteOrder{
		"LE": fragments.LittleEndian,
		"BE": fragments.BigEndian,
	}
	for name, order := range orders {
		for _, v := range roundTripCorpus {
			for offset := 0; offset < 8; offset++ {
				enc := fragments.Encoder{Order: order}
				enc.Write(make([]byte, offset))
				if err := appendValue(&enc, v); err != nil {
					t.Errorf("[%s off=%d] marshal %# v: %v", name, offset, pretty.Formatter(v), err)
					continue
				}
				it := (&Body{
					Sig:   v.SignatureDBus(),
					Data:  enc.Out[offset:],
					Order: order,
					Start: offset,
				}).Iter()
				if !it.Next() {
					t.Errorf("[%s off=%d] unmarshal %# v: %v", name, offset, pretty.Formatter(v), it.Err())
					continue
				}
				got, err := it.Single().Value()
				if err != nil {
					t.Errorf("[%s off=%d] parse %# v: %v", name, offset, pretty.Formatter(v), err)
					continue
				}
				if !Equal(got, v) {
					t.Errorf("[%s off=%d] round trip diff:\n%s", name, offset, cmp.Diff(v, got))
				}
				if got.SignatureDBus() != v.SignatureDBus() {
					t.Errorf("[%s off=%d] signature changed: %q -> %q", name, offset, v.SignatureDBus(), got.SignatureDBus())
				}
				if rest := it.Rest(); rest != 0 {
					t.Errorf("[%s off=%d] %# v: %d unconsumed bytes", name, offset, pretty.Formatter(v), rest)
				}
			}
		}
	}
}

func TestUnmarshalMulti(t *testing.T) {
	vals := []Value{Byte(1), Uint32(2), String("x"), NewArray("q", Uint16(3))}
	data, sig, err := Marshal(fragments.LittleEndian, vals...)
	if err != nil {
		t.Fatal(err)
	}
	got, err := Unmarshal(fragments.LittleEndian, sig, data)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != len(vals) {
		t.Fatalf("Unmarshal returned %d values, want %d", len(got), len(vals))
	}
	for i := range vals {
		if !Equal(got[i], vals[i]) {
			t.Errorf("value %d diff:\n%s", i, cmp.Diff(vals[i], got[i]))
		}
	}
}

func TestLazyAccessors(t *testing.T) {
	data, sig, err := Marshal(fragments.LittleEndian,
		NewStruct(String("name"), NewArray("u", Uint32(1), Uint32(2))))
	if err != nil {
		t.Fatal(err)
	}
	it := (&Body{Sig: sig, Data: data, Order: fragments.LittleEndian}).Iter()
	if !it.Next() {
		t.Fatal(it.Err())
	}
	st, err := it.Single().Struct()
	if err != nil {
		t.Fatal(err)
	}
	if !st.Next() {
		t.Fatal(st.Err())
	}
	s, err := st.Single().String()
	if err != nil {
		t.Fatal(err)
	}
	if s != "name" {
		t.Errorf("field 0 = %q, want name", s)
	}
	if !st.Next() {
		t.Fatal(st.Err())
	}
	arr, err := st.Single().Array()
	if err != nil {
		t.Fatal(err)
	}
	var got []uint32
	for arr.Next() {
		u, err := arr.Single().Uint32()
		if err != nil {
			t.Fatal(err)
		}
		got = append(got, u)
	}
	if arr.Err() != nil {
		t.Fatal(arr.Err())
	}
	if len(got) != 2 || got[0] != 1 || got[1] != 2 {
		t.Errorf("array = %v, want [1 2]", got)
	}
}

func TestUnmarshalWrongType(t *testing.T) {
	data, _, err := Marshal(fragments.LittleEndian, Uint32(1))
	if err != nil {
		t.Fatal(err)
	}
	it := (&Body{Sig: "u", Data: data, Order: fragments.LittleEndian}).Iter()
	if !it.Next() {
		t.Fatal(it.Err())
	}
	if _, err := it.Single().String(); !errors.Is(err, ErrWrongType) {
		t.Errorf("String() on u = %v, want ErrWrongType", err)
	}
	if _, err := it.Single().Array(); !errors.Is(err, ErrWrongType) {
		t.Errorf("Array() on u = %v, want ErrWrongType", err)
	}
}

func TestUnmarshalInvalidBoolean(t *testing.T) {
	data := []byte{0x02, 0x00, 0x00, 0x00}
	it := (&Body{Sig: "b", Data: data, Order: fragments.LittleEndian}).Iter()
	if !it.Next() {
		t.Fatal(it.Err())
	}
	if _, err := it.Single().Bool(); !errors.Is(err, ErrInvalidBoolean) {
		t.Errorf("Bool(2) = %v, want ErrInvalidBoolean", err)
	}
}

func TestUnmarshalNotEnoughData(t *testing.T) {
	// A string claiming 100 bytes with only 3 present.
	data := []byte{0x64, 0x00, 0x00, 0x00, 0x61, 0x62, 0x63}
	it := (&Body{Sig: "s", Data: data, Order: fragments.LittleEndian}).Iter()
	if it.Next() {
		t.Fatal("Next succeeded on truncated string")
	}
	if !errors.Is(it.Err(), ErrNotEnoughData) {
		t.Errorf("err = %v, want ErrNotEnoughData", it.Err())
	}
}

// An array declaring 2^26 bytes is over the cap; 2^26-1 gets past
// the length check and fails later for lack of data.
func TestUnmarshalArrayCap(t *testing.T) {
	over := []byte{0x00, 0x00, 0x00, 0x04} // 1<<26, little-endian
	it := (&Body{Sig: "ay", Data: over, Order: fragments.LittleEndian}).Iter()
	if it.Next() {
		t.Fatal("Next succeeded on oversized array")
	}
	if !errors.Is(it.Err(), ErrNumberTooBig) {
		t.Errorf("err = %v, want ErrNumberTooBig", it.Err())
	}

	under := []byte{0xff, 0xff, 0xff, 0x03} // 1<<26 - 1
	it = (&Body{Sig: "ay", Data: under, Order: fragments.LittleEndian}).Iter()
	if it.Next() {
		t.Fatal("Next succeeded on truncated array")
	}
	if !errors.Is(it.Err(), ErrNotEnoughData) {
		t.Errorf("err = %v, want ErrNotEnoughData", it.Err())
	}
}

func TestUnmarshalRejectsNulInString(t *testing.T) {
	data := []byte{0x03, 0x00, 0x00, 0x00, 0x61, 0x00, 0x62, 0x00}
	it := (&Body{Sig: "s", Data: data, Order: fragments.LittleEndian}).Iter()
	if !it.Next() {
		t.Fatal(it.Err())
	}
	var invalid InvalidStringError
	if _, err := it.Single().String(); !errors.As(err, &invalid) {
		t.Errorf("String with interior NUL = %v, want InvalidStringError", err)
	}
}
