// Package canonical implements RFC 8785 (JSON Canonicalization Scheme)
// serialization plus the two hashing modes used by the metagraph data layer.
//
// Semantically equal JSON values always canonicalize to identical bytes:
// object keys sorted by UTF-16 code units, numbers in ECMAScript shortest
// round-trip form, strings minimally escaped, no insignificant whitespace.
package canonical

import (
	"bytes"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"unicode/utf16"
	"unicode/utf8"
)

// ErrInvalidCanonicalForm is returned for values that cannot be expressed in
// canonical JSON (NaN, infinities, non-JSON types).
var ErrInvalidCanonicalForm = errors.New("invalid canonical form")

// dataUpdatePrefix is prepended (with the encoded-message length) before
// hashing a DataUpdate. The metagraph signs data updates over this envelope
// rather than over the raw canonical bytes.
const dataUpdatePrefix = "Constellation Signed Data:\n"

// Marshal serializes v to its RFC 8785 canonical form. v may be any value
// that encoding/json can marshal; it is first normalized through a JSON
// round-trip so struct tags apply.
func Marshal(v interface{}) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCanonicalForm, err)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var tree interface{}
	if err := dec.Decode(&tree); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCanonicalForm, err)
	}

	var buf bytes.Buffer
	if err := encode(&buf, tree); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Hash returns the lowercase hex SHA-256 of the canonical form of v.
// This is the "regular" signing mode: the signer signs this digest.
func Hash(v interface{}) (string, error) {
	b, err := Marshal(v)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

// DataUpdateDigest returns the 32-byte digest signed in DataUpdate mode:
// canonical JSON → Base64 → length-prefixed envelope → SHA-256.
func DataUpdateDigest(v interface{}) ([]byte, error) {
	b, err := Marshal(v)
	if err != nil {
		return nil, err
	}
	encoded := base64.StdEncoding.EncodeToString(b)
	msg := dataUpdatePrefix + strconv.Itoa(len(encoded)) + encoded
	sum := sha256.Sum256([]byte(msg))
	return sum[:], nil
}

// Digest returns the 32-byte digest for either signing mode.
func Digest(v interface{}, dataUpdate bool) ([]byte, error) {
	if dataUpdate {
		return DataUpdateDigest(v)
	}
	h, err := Hash(v)
	if err != nil {
		return nil, err
	}
	return hex.DecodeString(h)
}

func encode(buf *bytes.Buffer, v interface{}) error {
	switch val := v.(type) {
	case nil:
		buf.WriteString("null")
	case bool:
		if val {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	case json.Number:
		return encodeNumber(buf, val)
	case string:
		encodeString(buf, val)
	case []interface{}:
		buf.WriteByte('[')
		for i, elem := range val {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := encode(buf, elem); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	case map[string]interface{}:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Slice(keys, func(i, j int) bool { return utf16Less(keys[i], keys[j]) })
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			encodeString(buf, k)
			buf.WriteByte(':')
			if err := encode(buf, val[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	default:
		return fmt.Errorf("%w: unsupported type %T", ErrInvalidCanonicalForm, v)
	}
	return nil
}

// encodeNumber emits a number in ECMAScript Number#toString shortest form.
// Integers that fit a double print without a fraction or exponent; otherwise
// the formatting follows ES2020 7.1.12.1 (fixed notation for decimal
// exponents in (-7, 21], exponential notation outside).
func encodeNumber(buf *bytes.Buffer, n json.Number) error {
	f, err := n.Float64()
	if err != nil {
		return fmt.Errorf("%w: %q", ErrInvalidCanonicalForm, n)
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return fmt.Errorf("%w: non-finite number", ErrInvalidCanonicalForm)
	}
	buf.WriteString(formatFloat(f))
	return nil
}

// formatFloat renders f the way ECMAScript's Number#toString does.
func formatFloat(f float64) string {
	if f == 0 {
		return "0" // covers -0 as well
	}
	neg := f < 0
	if neg {
		f = -f
	}

	// Shortest mantissa and decimal exponent via strconv 'e'.
	mant := strconv.FormatFloat(f, 'e', -1, 64)
	eIdx := strings.IndexByte(mant, 'e')
	digits := strings.Replace(mant[:eIdx], ".", "", 1)
	exp, _ := strconv.Atoi(mant[eIdx+1:])
	// n is the position of the decimal point relative to the digit string.
	n := exp + 1
	k := len(digits)

	var sb strings.Builder
	if neg {
		sb.WriteByte('-')
	}
	switch {
	case n >= 1 && n <= 21 && k <= n:
		sb.WriteString(digits)
		sb.WriteString(strings.Repeat("0", n-k))
	case n >= 1 && n <= 21:
		sb.WriteString(digits[:n])
		sb.WriteByte('.')
		sb.WriteString(digits[n:])
	case n <= 0 && n > -6:
		sb.WriteString("0.")
		sb.WriteString(strings.Repeat("0", -n))
		sb.WriteString(digits)
	default:
		sb.WriteByte(digits[0])
		if k > 1 {
			sb.WriteByte('.')
			sb.WriteString(digits[1:])
		}
		sb.WriteByte('e')
		if n-1 >= 0 {
			sb.WriteByte('+')
		}
		sb.WriteString(strconv.Itoa(n - 1))
	}
	return sb.String()
}

// encodeString writes a JSON string with RFC 8785 minimal escaping:
// backslash, quote, and the C0 controls; everything else as literal UTF-8.
func encodeString(buf *bytes.Buffer, s string) {
	buf.WriteByte('"')
	for _, r := range s {
		switch r {
		case '"':
			buf.WriteString(`\"`)
		case '\\':
			buf.WriteString(`\\`)
		case '\b':
			buf.WriteString(`\b`)
		case '\f':
			buf.WriteString(`\f`)
		case '\n':
			buf.WriteString(`\n`)
		case '\r':
			buf.WriteString(`\r`)
		case '\t':
			buf.WriteString(`\t`)
		default:
			if r < 0x20 {
				fmt.Fprintf(buf, `\u%04x`, r)
			} else {
				buf.WriteRune(r)
			}
		}
	}
	buf.WriteByte('"')
}

// utf16Less orders strings by their UTF-16 code unit sequences, which differs
// from Go's native byte ordering for characters outside the BMP.
func utf16Less(a, b string) bool {
	if isASCII(a) && isASCII(b) {
		return a < b
	}
	ua := utf16.Encode([]rune(a))
	ub := utf16.Encode([]rune(b))
	for i := 0; i < len(ua) && i < len(ub); i++ {
		if ua[i] != ub[i] {
			return ua[i] < ub[i]
		}
	}
	return len(ua) < len(ub)
}

func isASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] >= utf8.RuneSelf {
			return false
		}
	}
	return true
}
