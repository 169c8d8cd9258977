// Package urlcodec percent-encodes request paths and decodes received paths
// and form values.
package urlcodec

import (
	"errors"
	"strings"
)

// DefaultCapacity is the destination size used for request paths.
const DefaultCapacity = 1024

// escapeReserve is the room kept at the end of the destination for one last
// escape and the terminator.
const escapeReserve = 4

// ErrMalformedEscape is returned by Decode for a '%' not followed by two hex
// digits.
var ErrMalformedEscape = errors.New("urlcodec: malformed percent escape")

const upperhex = "0123456789ABCDEF"

func shouldEscape(c byte) bool {
	if c < 0x20 || c > 0x7e {
		return true
	}
	switch c {
	case ' ', '"', '<', '>', '{', '}', '[', ']', '\\', '^', '~', '`', '|', '%':
		return true
	}
	return false
}

// Encode percent-encodes path into a destination of the given capacity
// (including the terminator). Encoding stops once fewer than four bytes of
// room remain, so the result is truncated rather than overflowed.
func Encode(path string, capacity int) string {
	limit := capacity - escapeReserve
	if limit <= 0 {
		return ""
	}
	var sb strings.Builder
	sb.Grow(min(len(path)*3, limit))
	for i := 0; i < len(path) && sb.Len() < limit; i++ {
		c := path[i]
		if shouldEscape(c) {
			sb.WriteByte('%')
			sb.WriteByte(upperhex[c>>4])
			sb.WriteByte(upperhex[c&15])
			continue
		}
		sb.WriteByte(c)
	}
	return sb.String()
}

// EncodePath is Encode with DefaultCapacity.
func EncodePath(path string) string {
	return Encode(path, DefaultCapacity)
}

func unhex(c byte) (byte, bool) {
	switch {
	case '0' <= c && c <= '9':
		return c - '0', true
	case 'a' <= c && c <= 'f':
		return c - 'a' + 10, true
	case 'A' <= c && c <= 'F':
		return c - 'A' + 10, true
	}
	return 0, false
}

// DecodeBytes replaces every %XX triplet in p with the byte it encodes and
// returns the shortened slice. On a malformed escape p is left unmodified.
func DecodeBytes(p []byte) ([]byte, error) {
	for i := 0; i < len(p); i++ {
		if p[i] != '%' {
			continue
		}
		if i+2 >= len(p) {
			return p, ErrMalformedEscape
		}
		if _, ok := unhex(p[i+1]); !ok {
			return p, ErrMalformedEscape
		}
		if _, ok := unhex(p[i+2]); !ok {
			return p, ErrMalformedEscape
		}
		i += 2
	}

	w := 0
	for r := 0; r < len(p); r++ {
		if p[r] == '%' {
			hi, _ := unhex(p[r+1])
			lo, _ := unhex(p[r+2])
			p[w] = hi<<4 | lo
			r += 2
		} else {
			p[w] = p[r]
		}
		w++
	}
	return p[:w], nil
}

// Decode is DecodeBytes for strings.
func Decode(s string) (string, error) {
	if strings.IndexByte(s, '%') < 0 {
		return s, nil
	}
	out, err := DecodeBytes([]byte(s))
	if err != nil {
		return s, err
	}
	return string(out), nil
}

// DecodeForm replaces '+' with a space and then decodes escapes.
func DecodeForm(s string) (string, error) {
	return Decode(strings.ReplaceAll(s, "+", " "))
}

// Pair is one decoded name=value field of a form body.
type Pair struct {
	Name  string
	Value string
}

// ParseForm splits an application/x-www-form-urlencoded body into decoded
// pairs, preserving order and duplicates. Fields without '=' get an empty
// value.
func ParseForm(body string) ([]Pair, error) {
	var pairs []Pair
	for _, field := range strings.Split(body, "&") {
		if field == "" {
			continue
		}
		name, value, _ := strings.Cut(field, "=")
		n, err := DecodeForm(name)
		if err != nil {
			return nil, err
		}
		v, err := DecodeForm(value)
		if err != nil {
			return nil, err
		}
		pairs = append(pairs, Pair{Name: n, Value: v})
	}
	return pairs, nil
}

// Lookup returns the first value named name.
func Lookup(pairs []Pair, name string) (string, bool) {
	for _, p := range pairs {
		if p.Name == name {
			return p.Value, true
		}
	}
	return "", false
}
