// Package protocol implements the PHP serialization format spoken by the
// patch server.
package protocol

import (
	"bytes"
	"fmt"
	"sort"
	"strconv"
)

// Marshal encodes v in PHP serialized form. Map keys are written in sorted
// order so equal values always encode identically.
//
// Supported types: nil, string, bool, int, int64, uint64, float64,
// map[string]interface{}, map[string]string, []interface{} and []string.
func Marshal(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	if err := encode(&buf, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Unmarshal decodes one PHP serialized value. Arrays decode to
// map[string]interface{} keyed by the stringified PHP key; integers decode to
// int64.
func Unmarshal(data []byte) (interface{}, error) {
	d := &decoder{data: data}
	v, err := d.value()
	if err != nil {
		return nil, err
	}
	if d.pos != len(d.data) {
		return nil, fmt.Errorf("trailing data at position %d", d.pos)
	}
	return v, nil
}

func encodeString(buf *bytes.Buffer, s string) {
	buf.WriteString("s:")
	buf.WriteString(strconv.Itoa(len(s)))
	buf.WriteString(`:"`)
	buf.WriteString(s)
	buf.WriteString(`";`)
}

func encodeInt(buf *bytes.Buffer, n int64) {
	buf.WriteString("i:")
	buf.WriteString(strconv.FormatInt(n, 10))
	buf.WriteByte(';')
}

func encode(buf *bytes.Buffer, v interface{}) error {
	switch val := v.(type) {
	case nil:
		buf.WriteString("N;")
	case string:
		encodeString(buf, val)
	case int:
		encodeInt(buf, int64(val))
	case int64:
		encodeInt(buf, val)
	case uint64:
		buf.WriteString("i:")
		buf.WriteString(strconv.FormatUint(val, 10))
		buf.WriteByte(';')
	case float64:
		buf.WriteString("d:")
		buf.WriteString(strconv.FormatFloat(val, 'f', -1, 64))
		buf.WriteByte(';')
	case bool:
		if val {
			buf.WriteString("b:1;")
		} else {
			buf.WriteString("b:0;")
		}
	case map[string]string:
		generic := make(map[string]interface{}, len(val))
		for k, s := range val {
			generic[k] = s
		}
		return encode(buf, generic)
	case map[string]interface{}:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		fmt.Fprintf(buf, "a:%d:{", len(val))
		for _, k := range keys {
			encodeString(buf, k)
			if err := encode(buf, val[k]); err != nil {
				return fmt.Errorf("key %s: %w", k, err)
			}
		}
		buf.WriteByte('}')
	case []string:
		generic := make([]interface{}, len(val))
		for i, s := range val {
			generic[i] = s
		}
		return encode(buf, generic)
	case []interface{}:
		fmt.Fprintf(buf, "a:%d:{", len(val))
		for i, item := range val {
			encodeInt(buf, int64(i))
			if err := encode(buf, item); err != nil {
				return fmt.Errorf("index %d: %w", i, err)
			}
		}
		buf.WriteByte('}')
	default:
		return fmt.Errorf("unsupported type for PHP serialization: %T", v)
	}
	return nil
}

type decoder struct {
	data []byte
	pos  int
}

func (d *decoder) errorf(format string, args ...interface{}) error {
	return fmt.Errorf("position %d: %s", d.pos, fmt.Sprintf(format, args...))
}

func (d *decoder) value() (interface{}, error) {
	if d.pos >= len(d.data) {
		return nil, d.errorf("unexpected end of data")
	}

	switch d.data[d.pos] {
	case 'N':
		if !d.expect("N;") {
			return nil, d.errorf("malformed null")
		}
		return nil, nil
	case 'b':
		n, err := d.scalar("b:", ';')
		if err != nil {
			return nil, err
		}
		switch string(n) {
		case "0":
			return false, nil
		case "1":
			return true, nil
		}
		return nil, d.errorf("invalid bool %q", n)
	case 'i':
		n, err := d.scalar("i:", ';')
		if err != nil {
			return nil, err
		}
		v, err := strconv.ParseInt(string(n), 10, 64)
		if err != nil {
			return nil, d.errorf("invalid integer %q", n)
		}
		return v, nil
	case 'd':
		n, err := d.scalar("d:", ';')
		if err != nil {
			return nil, err
		}
		v, err := strconv.ParseFloat(string(n), 64)
		if err != nil {
			return nil, d.errorf("invalid float %q", n)
		}
		return v, nil
	case 's':
		return d.str()
	case 'a':
		return d.array()
	}
	return nil, d.errorf("unknown type %q", d.data[d.pos])
}

// scalar consumes prefix and returns the bytes up to term.
func (d *decoder) scalar(prefix string, term byte) ([]byte, error) {
	if !d.expect(prefix) {
		return nil, d.errorf("expected %q", prefix)
	}
	end := bytes.IndexByte(d.data[d.pos:], term)
	if end < 0 {
		return nil, d.errorf("unterminated value")
	}
	v := d.data[d.pos : d.pos+end]
	d.pos += end + 1
	return v, nil
}

func (d *decoder) length(prefix string) (int, error) {
	n, err := d.scalar(prefix, ':')
	if err != nil {
		return 0, err
	}
	length, err := strconv.Atoi(string(n))
	if err != nil || length < 0 {
		return 0, d.errorf("invalid length %q", n)
	}
	return length, nil
}

func (d *decoder) str() (string, error) {
	length, err := d.length("s:")
	if err != nil {
		return "", err
	}
	if !d.expect(`"`) {
		return "", d.errorf(`expected '"'`)
	}
	if length > len(d.data)-d.pos {
		return "", d.errorf("string of %d bytes exceeds data", length)
	}
	s := string(d.data[d.pos : d.pos+length])
	d.pos += length
	if !d.expect(`";`) {
		return "", d.errorf(`expected '";'`)
	}
	return s, nil
}

func (d *decoder) array() (map[string]interface{}, error) {
	count, err := d.length("a:")
	if err != nil {
		return nil, err
	}
	if !d.expect("{") {
		return nil, d.errorf("expected '{'")
	}

	result := make(map[string]interface{}, min(count, 1024))
	for i := 0; i < count; i++ {
		key, err := d.value()
		if err != nil {
			return nil, fmt.Errorf("array key %d: %w", i, err)
		}
		val, err := d.value()
		if err != nil {
			return nil, fmt.Errorf("array value %d: %w", i, err)
		}
		switch k := key.(type) {
		case string:
			result[k] = val
		case int64:
			result[strconv.FormatInt(k, 10)] = val
		default:
			return nil, fmt.Errorf("array key %d: unsupported key type %T", i, key)
		}
	}

	if !d.expect("}") {
		return nil, d.errorf("expected '}'")
	}
	return result, nil
}

func (d *decoder) expect(s string) bool {
	if !bytes.HasPrefix(d.data[d.pos:], []byte(s)) {
		return false
	}
	d.pos += len(s)
	return true
}

// List returns the values of a decoded PHP list (keys 0..n-1) in order. It
// reports false when v is not such a list.
func List(v interface{}) ([]interface{}, bool) {
	m, ok := v.(map[string]interface{})
	if !ok {
		return nil, false
	}
	out := make([]interface{}, len(m))
	for i := range out {
		item, ok := m[strconv.Itoa(i)]
		if !ok {
			return nil, false
		}
		out[i] = item
	}
	return out, true
}

// String returns m[key] as a string. Integers are formatted in decimal.
func String(m map[string]interface{}, key string) (string, bool) {
	switch v := m[key].(type) {
	case string:
		return v, true
	case int64:
		return strconv.FormatInt(v, 10), true
	}
	return "", false
}
