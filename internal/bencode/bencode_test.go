package bencode

import (
	"bytes"
	"testing"

	"serma/internal/errs"
)

func TestRoundTripScalars(t *testing.T) {
	cases := []string{"i42e", "i-7e", "4:spam", "0:"}
	for _, c := range cases {
		v, n, err := Decode([]byte(c))
		if err != nil {
			t.Fatalf("decode %q: %v", c, err)
		}
		if n != len(c) {
			t.Fatalf("decode %q consumed %d bytes, want %d", c, n, len(c))
		}
		got := Encode(v)
		if !bytes.Equal(got, []byte(c)) {
			t.Fatalf("encode(decode(%q)) = %q", c, got)
		}
	}
}

func TestDictKeysSortedOnEncode(t *testing.T) {
	v := Dict(map[string]Value{
		"zebra": Int(1),
		"apple": Int(2),
	})
	got := Encode(v)
	want := []byte("d5:applei2e5:zebrai1ee")
	if !bytes.Equal(got, want) {
		t.Fatalf("Encode = %q, want %q", got, want)
	}
}

func TestDecodeTolerantOfUnsortedKeys(t *testing.T) {
	raw := []byte("d5:zebrai1e5:applei2ee")
	v, _, err := Decode(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if n, ok := v.GetInt("apple"); !ok || n != 2 {
		t.Fatalf("apple = %v, %v", n, ok)
	}
}

func TestNestedListAndDict(t *testing.T) {
	raw := []byte("d4:infod6:lengthi1024e4:name5:helloee")
	v, n, err := Decode(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if n != len(raw) {
		t.Fatalf("consumed %d, want %d", n, len(raw))
	}
	info, ok := v.GetDict("info")
	if !ok {
		t.Fatalf("missing info dict")
	}
	name, ok := info.GetString("name")
	if !ok || string(name) != "hello" {
		t.Fatalf("name = %q, %v", name, ok)
	}
	length, ok := info.GetInt("length")
	if !ok || length != 1024 {
		t.Fatalf("length = %d, %v", length, ok)
	}
	// Re-encoding must reproduce the canonical form bit-for-bit since
	// both dicts already have sorted keys.
	if !bytes.Equal(Encode(v), raw) {
		t.Fatalf("Encode(Decode(raw)) != raw")
	}
}

func TestTruncatedInputErrors(t *testing.T) {
	_, _, err := Decode([]byte("d4:name5:hel"))
	if err == nil {
		t.Fatalf("expected error for truncated dict")
	}
	if !errs.Is(err, errs.KindBencodeInvalid) {
		t.Fatalf("expected a KindBencodeInvalid error, got %v", err)
	}
}

func TestRawPreservesExactBytesForHashing(t *testing.T) {
	raw := []byte("d4:name5:helloe")
	v, _, err := Decode(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !bytes.Equal(v.Raw, raw) {
		t.Fatalf("Raw = %q, want %q", v.Raw, raw)
	}
}
