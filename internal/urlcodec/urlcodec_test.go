package urlcodec

import (
	"errors"
	"strings"
	"testing"
)

func TestEncode(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"a b", "a%20b"},
		{"/patch/file.zip", "/patch/file.zip"},
		{"/q?x=1&y=2", "/q?x=1&y=2"},
		{`"<>{}[]\^~` + "`|%", "%22%3C%3E%7B%7D%5B%5D%5C%5E%7E%60%7C%25"},
		{"caf\xc3\xa9", "caf%C3%A9"},
		{"tab\there", "tab%09here"},
		{"\x7f", "%7F"},
	}
	for _, c := range cases {
		if got := EncodePath(c.in); got != c.want {
			t.Fatalf("Unexpected Encode(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestEncodeTruncates(t *testing.T) {
	in := strings.Repeat(" ", 100)
	for capacity := 0; capacity < 40; capacity++ {
		got := Encode(in, capacity)
		if len(got)+1 > capacity && got != "" {
			t.Fatalf("Unexpected overflow at capacity %d: %d bytes", capacity, len(got))
		}
		if len(got)%3 != 0 {
			t.Fatalf("Unexpected split escape at capacity %d: %q", capacity, got)
		}
	}
	if got := Encode("abcdefgh", 8); got != "abcd" {
		t.Fatalf("Unexpected truncation %q", got)
	}
}

func TestRoundTrip(t *testing.T) {
	var sb strings.Builder
	for c := byte(0x21); c < 0x7f; c++ {
		if shouldEscape(c) {
			continue
		}
		sb.WriteByte(c)
	}
	s := sb.String()

	got, err := Decode(EncodePath(s))
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if got != s {
		t.Fatalf("Unexpected round trip %q, want %q", got, s)
	}

	// Escaped characters survive as well.
	s = "a b%c~d"
	if got, _ = Decode(EncodePath(s)); got != s {
		t.Fatalf("Unexpected round trip %q, want %q", got, s)
	}
}

func TestDecodeMalformed(t *testing.T) {
	for _, in := range []string{"%", "%4", "%zz", "abc%4g", "ok%20then%"} {
		got, err := Decode(in)
		if !errors.Is(err, ErrMalformedEscape) {
			t.Fatalf("Unexpected error for %q: %v", in, err)
		}
		if got != in {
			t.Fatalf("Unexpected modification of %q: %q", in, got)
		}
	}
}

func TestDecodeBytesInPlace(t *testing.T) {
	p := []byte("x%41%62y")
	out, err := DecodeBytes(p)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if string(out) != "xAby" {
		t.Fatalf("Unexpected result %q", out)
	}
	if &out[0] != &p[0] {
		t.Fatalf("Unexpected reallocation")
	}
}

func TestParseForm(t *testing.T) {
	pairs, err := ParseForm("name=big+file&path=%2Fpatch%2Fa.zip&flag&&name=again")
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if len(pairs) != 4 {
		t.Fatalf("Unexpected pair count %d", len(pairs))
	}
	if v, _ := Lookup(pairs, "name"); v != "big file" {
		t.Fatalf("Unexpected name %q", v)
	}
	if v, _ := Lookup(pairs, "path"); v != "/patch/a.zip" {
		t.Fatalf("Unexpected path %q", v)
	}
	if v, ok := Lookup(pairs, "flag"); !ok || v != "" {
		t.Fatalf("Unexpected flag %q ok=%v", v, ok)
	}

	if _, err = ParseForm("a=%G1"); !errors.Is(err, ErrMalformedEscape) {
		t.Fatalf("Unexpected error: %v", err)
	}
}
