// Package canonical implements the deterministic JSON serialization every
// hash and signature in the system is computed over. Two structurally equal
// documents always canonicalize to the same bytes regardless of key order,
// so signatures are formatting-independent.
package canonical

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"unicode/utf16"
)

// maxDepth bounds nesting; anything deeper is treated as a cycle.
const maxDepth = 128

var hexHash64 = regexp.MustCompile(`^[0-9a-f]{64}$`)

// Marshal serializes v to canonical JSON bytes. v may be any JSON-encodable
// Go value; structs are first flattened through encoding/json so tags apply.
func Marshal(v interface{}) ([]byte, error) {
	g, err := toGeneric(v)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := writeValue(&buf, g, "", 0); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Hash returns lowercase hex SHA-256 of the canonical form of v.
func Hash(v interface{}) (string, error) {
	b, err := Marshal(v)
	if err != nil {
		return "", err
	}
	return HashBytes(b), nil
}

// HashBytes returns lowercase hex SHA-256 over raw bytes.
func HashBytes(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// IsHashHex reports whether s is a 64-char lowercase hex digest.
func IsHashHex(s string) bool { return hexHash64.MatchString(s) }

// toGeneric round-trips arbitrary values through encoding/json so that only
// plain JSON shapes (maps, slices, json.Number, string, bool, nil) remain.
// Cycles surface here as encoding/json errors.
func toGeneric(v interface{}) (interface{}, error) {
	switch v.(type) {
	case map[string]interface{}, []interface{}, string, bool, nil, json.Number:
		return v, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonical: not a JSON value: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var out interface{}
	if err := dec.Decode(&out); err != nil {
		return nil, fmt.Errorf("canonical: decode: %w", err)
	}
	return out, nil
}

func writeValue(buf *bytes.Buffer, v interface{}, fieldName string, depth int) error {
	if depth > maxDepth {
		return fmt.Errorf("canonical: nesting exceeds %d levels (cycle?)", maxDepth)
	}
	switch t := v.(type) {
	case nil:
		buf.WriteString("null")
	case bool:
		if t {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	case string:
		if strings.HasSuffix(fieldName, "Hash") && t != "" && !hexHash64.MatchString(t) {
			return fmt.Errorf("canonical: field %q must be a 64-char lowercase hex hash, got %q", fieldName, t)
		}
		writeString(buf, t)
	case json.Number:
		return writeNumber(buf, t)
	case float64:
		return writeFloat(buf, t)
	case int:
		buf.WriteString(strconv.FormatInt(int64(t), 10))
	case int64:
		buf.WriteString(strconv.FormatInt(t, 10))
	case []interface{}:
		buf.WriteByte('[')
		for i, el := range t {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeValue(buf, el, "", depth+1); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	case map[string]interface{}:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		// UTF-8 byte order equals code point order.
		sort.Strings(keys)
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			writeString(buf, k)
			buf.WriteByte(':')
			if err := writeValue(buf, t[k], k, depth+1); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	default:
		return fmt.Errorf("canonical: unsupported type %T", v)
	}
	return nil
}

func writeNumber(buf *bytes.Buffer, n json.Number) error {
	s := string(n)
	if !strings.ContainsAny(s, ".eE") {
		i, err := strconv.ParseInt(s, 10, 64)
		if err == nil {
			buf.WriteString(strconv.FormatInt(i, 10))
			return nil
		}
		// Out of int64 range: keep the literal, it is already minimal.
		buf.WriteString(s)
		return nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fmt.Errorf("canonical: bad number %q: %w", s, err)
	}
	return writeFloat(buf, f)
}

func writeFloat(buf *bytes.Buffer, f float64) error {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return fmt.Errorf("canonical: non-finite number")
	}
	if f == math.Trunc(f) && math.Abs(f) < 1e15 {
		buf.WriteString(strconv.FormatInt(int64(f), 10))
		return nil
	}
	buf.WriteString(strconv.FormatFloat(f, 'g', -1, 64))
	return nil
}

// writeString escapes control bytes and all non-ASCII uniformly as \uXXXX so
// the byte stream is independent of source encoding choices.
func writeString(buf *bytes.Buffer, s string) {
	buf.WriteByte('"')
	for _, r := range s {
		switch r {
		case '"':
			buf.WriteString(`\"`)
		case '\\':
			buf.WriteString(`\\`)
		case '\n':
			buf.WriteString(`\n`)
		case '\r':
			buf.WriteString(`\r`)
		case '\t':
			buf.WriteString(`\t`)
		case '\b':
			buf.WriteString(`\b`)
		case '\f':
			buf.WriteString(`\f`)
		default:
			if r < 0x20 {
				fmt.Fprintf(buf, `\u%04x`, r)
			} else if r < 0x80 {
				buf.WriteRune(r)
			} else if r > 0xFFFF {
				hi, lo := utf16.EncodeRune(r)
				fmt.Fprintf(buf, `\u%04x\u%04x`, hi, lo)
			} else {
				fmt.Fprintf(buf, `\u%04x`, r)
			}
		}
	}
	buf.WriteByte('"')
}
