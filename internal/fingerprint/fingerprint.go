// Package fingerprint computes the content address of an audio variant.
//
// A fingerprint is the hex SHA-256 of the synthesis inputs — text, model,
// voice, parameters, and codec — joined by NUL separators. Two requests with
// byte-identical inputs always produce the same fingerprint, which is what
// makes cross-user deduplication and cache addressing possible. The params
// component is canonicalized first so that JSON key order and float
// formatting quirks cannot split identical requests into distinct variants.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"strconv"
	"unicode/utf16"
)

// separator keeps adjacent components from bleeding into each other:
// ("ab","c") must never hash like ("a","bc").
var separator = []byte{0x00}

// Compute returns the fingerprint identifying the audio variant produced by
// synthesizing text with the given model, voice, parameters, and codec.
func Compute(text, modelSlug, voiceSlug string, params map[string]any, codec string) string {
	h := sha256.New()
	h.Write([]byte(text))
	h.Write(separator)
	h.Write([]byte(modelSlug))
	h.Write(separator)
	h.Write([]byte(voiceSlug))
	h.Write(separator)
	h.Write([]byte(CanonicalParams(params)))
	h.Write(separator)
	h.Write([]byte(codec))
	return hex.EncodeToString(h.Sum(nil))
}

// CanonicalParams renders params in the canonical JSON form that is hashed
// into fingerprints: object keys sorted lexicographically at every depth,
// numbers in their shortest round-trip decimal form, and no insignificant
// whitespace. A nil or empty map renders as "{}".
func CanonicalParams(params map[string]any) string {
	var buf []byte
	buf = appendValue(buf, params)
	return string(buf)
}

func appendValue(buf []byte, v any) []byte {
	switch val := v.(type) {
	case nil:
		return append(buf, "null"...)
	case bool:
		return strconv.AppendBool(buf, val)
	case string:
		return appendString(buf, val)
	case float64:
		return strconv.AppendFloat(buf, val, 'g', -1, 64)
	case float32:
		return strconv.AppendFloat(buf, float64(val), 'g', -1, 32)
	case int:
		return strconv.AppendInt(buf, int64(val), 10)
	case int64:
		return strconv.AppendInt(buf, val, 10)
	case json.Number:
		return append(buf, val.String()...)
	case map[string]any:
		return appendObject(buf, val)
	case []any:
		buf = append(buf, '[')
		for i, item := range val {
			if i > 0 {
				buf = append(buf, ',')
			}
			buf = appendValue(buf, item)
		}
		return append(buf, ']')
	default:
		// Parameters arrive from JSON decoding, so this branch only fires
		// for programmatic callers passing exotic types. Marshal is not
		// canonical for those, but it is deterministic per type.
		raw, err := json.Marshal(val)
		if err != nil {
			return append(buf, "null"...)
		}
		return append(buf, raw...)
	}
}

func appendObject(buf []byte, obj map[string]any) []byte {
	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	buf = append(buf, '{')
	for i, k := range keys {
		if i > 0 {
			buf = append(buf, ',')
		}
		buf = appendString(buf, k)
		buf = append(buf, ':')
		buf = appendValue(buf, obj[k])
	}
	return append(buf, '}')
}

// appendString writes a JSON string literal using the minimal escape set, so
// the output is stable regardless of encoder settings.
func appendString(buf []byte, s string) []byte {
	buf = append(buf, '"')
	for _, r := range s {
		switch r {
		case '"':
			buf = append(buf, '\\', '"')
		case '\\':
			buf = append(buf, '\\', '\\')
		case '\n':
			buf = append(buf, '\\', 'n')
		case '\r':
			buf = append(buf, '\\', 'r')
		case '\t':
			buf = append(buf, '\\', 't')
		default:
			if r < 0x20 {
				buf = append(buf, '\\', 'u')
				buf = appendHex4(buf, uint16(r))
			} else if r > 0xFFFF {
				r1, r2 := utf16.EncodeRune(r)
				buf = append(buf, '\\', 'u')
				buf = appendHex4(buf, uint16(r1))
				buf = append(buf, '\\', 'u')
				buf = appendHex4(buf, uint16(r2))
			} else if r > 0x7F {
				buf = append(buf, '\\', 'u')
				buf = appendHex4(buf, uint16(r))
			} else {
				buf = append(buf, byte(r))
			}
		}
	}
	return append(buf, '"')
}

const hexDigits = "0123456789abcdef"

func appendHex4(buf []byte, v uint16) []byte {
	return append(buf,
		hexDigits[v>>12&0xf],
		hexDigits[v>>8&0xf],
		hexDigits[v>>4&0xf],
		hexDigits[v&0xf],
	)
}
