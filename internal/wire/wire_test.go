package wire

import (
	"bytes"
	"testing"
)

func TestEncodeDecodeBodyRoundTrip(t *testing.T) {
	cases := [][]byte{
		[]byte(""),
		[]byte("ok"),
		[]byte("hello, world"),
		bytes.Repeat([]byte{0xff, 0x00, 0x7f}, 128),
	}
	for _, in := range cases {
		got, err := DecodeBody(EncodeBody(in))
		if err != nil {
			t.Fatalf("DecodeBody(EncodeBody(%q)): %v", in, err)
		}
		if !bytes.Equal(got, in) {
			t.Fatalf("round trip mismatch: got %q, want %q", got, in)
		}
	}
}

func TestDecodeBodyEmptyString(t *testing.T) {
	got, err := DecodeBody("")
	if err != nil {
		t.Fatalf("DecodeBody(\"\"): %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected empty body, got %q", got)
	}
}

func TestDecodeBodyInvalid(t *testing.T) {
	if _, err := DecodeBody("not base64!!"); err == nil {
		t.Fatal("expected error decoding invalid base64")
	}
}
