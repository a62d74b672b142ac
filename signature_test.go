package dbus

import (
	"slices"
	"strings"
	"testing"
)

func TestParseSingleSignature(t *testing.T) {
	tests := []struct {
		in string
		ok bool
	}{
		{"", false},
		{"i", true},
		{"ii", false},
		{"vi", false},
		{"g", true},
		{"{ss}", false},
		{"ad", true},
		{"a{ss}", true},
		{"a{vs}", false},
		{"a{ss}i", false},
		{"a{oa{sv}}", true},
		{"v", true},
		{"()", false},
		{"(s)", true},
		{"(sa{sv}(i))", true},
		{"(sa{sv}(i)", false},
		{"(dbus)", true},
		{"z", false},
		{"a", false},
		{"a{s", false},
	}
	for _, tc := range tests {
		_, err := ParseSingleSignature(tc.in)
		if got := err == nil; got != tc.ok {
			t.Errorf("ParseSingleSignature(%q) err=%v, want ok=%v", tc.in, err, tc.ok)
		}
	}
}

func TestParseSignature(t *testing.T) {
	tests := []struct {
		in string
		ok bool
	}{
		{"", true},
		{"dbus", true},
		{"dbus)", false},
		{"a{ss}i", true},
		{"sa{sv}", true},
		{strings.Repeat("i", 255), true},
		{strings.Repeat("i", 256), false},
	}
	for _, tc := range tests {
		_, err := ParseSignature(tc.in)
		if got := err == nil; got != tc.ok {
			t.Errorf("ParseSignature(%q) err=%v, want ok=%v", tc.in, err, tc.ok)
		}
	}
}

func TestSignatureDepthLimits(t *testing.T) {
	// Exactly 32 nested arrays is legal, 33 is not.
	ok := strings.Repeat("a", 32) + "i"
	if _, err := ParseSingleSignature(ok); err != nil {
		t.Errorf("ParseSingleSignature(%d nested arrays) err=%v, want ok", 32, err)
	}
	bad := strings.Repeat("a", 33) + "i"
	if _, err := ParseSingleSignature(bad); err == nil {
		t.Errorf("ParseSingleSignature(%d nested arrays) accepted, want error", 33)
	}

	okStruct := strings.Repeat("(", 32) + "i" + strings.Repeat(")", 32)
	if _, err := ParseSingleSignature(okStruct); err != nil {
		t.Errorf("ParseSingleSignature(%d nested structs) err=%v, want ok", 32, err)
	}
	badStruct := strings.Repeat("(", 33) + "i" + strings.Repeat(")", 33)
	if _, err := ParseSingleSignature(badStruct); err == nil {
		t.Errorf("ParseSingleSignature(%d nested structs) accepted, want error", 33)
	}
}

func TestSignatureErrorOffset(t *testing.T) {
	_, err := ParseSignature("iz")
	se, ok := err.(SignatureError)
	if !ok {
		t.Fatalf("ParseSignature(iz) error = %T, want SignatureError", err)
	}
	if se.Offset != 1 {
		t.Errorf("SignatureError.Offset = %d, want 1", se.Offset)
	}
}

func TestSignatureParts(t *testing.T) {
	sig := Signature("sa{sv}(ii)v")
	var got []Signature
	for part := range sig.Parts() {
		got = append(got, part)
	}
	want := []Signature{"s", "a{sv}", "(ii)", "v"}
	if !slices.Equal(got, want) {
		t.Errorf("Parts(%q) = %v, want %v", sig, got, want)
	}
}

func TestSignatureSingle(t *testing.T) {
	tests := []struct {
		in   Signature
		want bool
	}{
		{"", false},
		{"i", true},
		{"a{sv}", true},
		{"ii", false},
		{"(ii)", true},
	}
	for _, tc := range tests {
		if got := tc.in.Single(); got != tc.want {
			t.Errorf("Signature(%q).Single() = %v, want %v", tc.in, got, tc.want)
		}
	}
}

func TestSignatureDictSplit(t *testing.T) {
	sig := Signature("a{oa{sv}}")
	if !sig.isDict() {
		t.Fatalf("isDict(%q) = false", sig)
	}
	key, elem := sig.dictKeyElem()
	if key != "o" || elem != "a{sv}" {
		t.Errorf("dictKeyElem(%q) = %q, %q, want o, a{sv}", sig, key, elem)
	}
}
