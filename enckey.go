package objdb

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
	"reflect"
	"time"
)

// Encoded keys compare with bytes.Compare in the same order CompareKeys
// defines: number < date < string < binary < array. Every encoded key is
// self-delimiting, so array elements and index entries can be concatenated.
const (
	keyTagNumber byte = 0x10
	keyTagDate   byte = 0x20
	keyTagString byte = 0x30
	keyTagBinary byte = 0x40
	keyTagArray  byte = 0x50

	keyArrayEnd byte = 0x00

	escByte     byte = 0x00
	escZero     byte = 0xFF
	escTerminal byte = 0x01

	maxSafeInteger = 1 << 53
)

var timeType = reflect.TypeOf(time.Time{})

// encodeKey appends the encoded form of a key to buf. Valid keys are
// numbers (any int, uint or float kind except NaN), time.Time, strings,
// []byte, and slices or arrays of valid keys.
func encodeKey(buf []byte, key any) ([]byte, error) {
	if key == nil {
		return nil, fmt.Errorf("%w: nil", ErrInvalidKey)
	}
	return appendKeyValue(buf, reflect.ValueOf(key), 0)
}

const maxKeyDepth = 32

func appendKeyValue(buf []byte, v reflect.Value, depth int) ([]byte, error) {
	if depth > maxKeyDepth {
		return nil, fmt.Errorf("%w: array nested too deeply", ErrInvalidKey)
	}
	for v.Kind() == reflect.Interface || v.Kind() == reflect.Pointer {
		if v.IsNil() {
			return nil, fmt.Errorf("%w: nil", ErrInvalidKey)
		}
		v = v.Elem()
	}
	if v.Type() == timeType {
		return appendDateKey(buf, v.Interface().(time.Time)), nil
	}

	switch v.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return appendNumberKey(buf, float64(v.Int())), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return appendNumberKey(buf, float64(v.Uint())), nil
	case reflect.Float32, reflect.Float64:
		f := v.Float()
		if math.IsNaN(f) {
			return nil, fmt.Errorf("%w: NaN", ErrInvalidKey)
		}
		return appendNumberKey(buf, f), nil
	case reflect.String:
		buf = append(buf, keyTagString)
		return appendEscaped(buf, []byte(v.String())), nil
	case reflect.Slice, reflect.Array:
		if v.Type().Elem().Kind() == reflect.Uint8 {
			buf = append(buf, keyTagBinary)
			if v.Kind() == reflect.Slice {
				return appendEscaped(buf, v.Bytes()), nil
			}
			b := make([]byte, v.Len())
			reflect.Copy(reflect.ValueOf(b), v)
			return appendEscaped(buf, b), nil
		}
		buf = append(buf, keyTagArray)
		n := v.Len()
		var err error
		for i := 0; i < n; i++ {
			buf, err = appendKeyValue(buf, v.Index(i), depth+1)
			if err != nil {
				return nil, err
			}
		}
		return append(buf, keyArrayEnd), nil
	default:
		return nil, fmt.Errorf("%w: %s is not a valid key type", ErrInvalidKey, v.Type())
	}
}

func appendNumberKey(buf []byte, f float64) []byte {
	if f == 0 {
		f = 0 // -0 and +0 are the same key
	}
	bits := math.Float64bits(f)
	if bits&(1<<63) != 0 {
		bits = ^bits
	} else {
		bits |= 1 << 63
	}
	buf = append(buf, keyTagNumber)
	return binary.BigEndian.AppendUint64(buf, bits)
}

func appendDateKey(buf []byte, t time.Time) []byte {
	buf = append(buf, keyTagDate)
	buf = binary.BigEndian.AppendUint64(buf, uint64(t.Unix())^(1<<63))
	return binary.BigEndian.AppendUint32(buf, uint32(t.Nanosecond()))
}

func appendEscaped(buf []byte, s []byte) []byte {
	for _, b := range s {
		if b == escByte {
			buf = append(buf, escByte, escZero)
		} else {
			buf = append(buf, b)
		}
	}
	return append(buf, escByte, escTerminal)
}

func readEscaped(orig, raw []byte) ([]byte, []byte, error) {
	out := make([]byte, 0, len(raw))
	for i := 0; i < len(raw); i++ {
		b := raw[i]
		if b != escByte {
			out = append(out, b)
			continue
		}
		if i+1 >= len(raw) {
			break
		}
		switch raw[i+1] {
		case escZero:
			out = append(out, 0)
			i++
		case escTerminal:
			return out, raw[i+2:], nil
		default:
			return nil, nil, dataErrf(orig, len(orig)-len(raw)+i, nil, "invalid key escape %x", raw[i+1])
		}
	}
	return nil, nil, dataErrf(orig, len(orig), nil, "unterminated key")
}

// decodeKey decodes a single encoded key from the start of raw and
// returns the remaining bytes. Integral numbers within ±2^53 come back as
// int64, other numbers as float64, dates as UTC time.Time, binary keys as
// []byte and arrays as []any.
func decodeKey(raw []byte) (any, []byte, error) {
	return decodeKeyAt(raw, raw, 0)
}

func decodeKeyAt(orig, raw []byte, depth int) (any, []byte, error) {
	if len(raw) == 0 {
		return nil, nil, dataErrf(orig, len(orig), nil, "missing key")
	}
	if depth > maxKeyDepth {
		return nil, nil, dataErrf(orig, len(orig)-len(raw), nil, "key nested too deeply")
	}
	tag, raw := raw[0], raw[1:]
	switch tag {
	case keyTagNumber:
		if len(raw) < 8 {
			return nil, nil, dataErrf(orig, len(orig)-len(raw), nil, "truncated number key")
		}
		bits := binary.BigEndian.Uint64(raw)
		if bits&(1<<63) != 0 {
			bits &^= 1 << 63
		} else {
			bits = ^bits
		}
		return numberKeyValue(math.Float64frombits(bits)), raw[8:], nil
	case keyTagDate:
		if len(raw) < 12 {
			return nil, nil, dataErrf(orig, len(orig)-len(raw), nil, "truncated date key")
		}
		sec := int64(binary.BigEndian.Uint64(raw) ^ (1 << 63))
		nsec := int64(binary.BigEndian.Uint32(raw[8:]))
		return time.Unix(sec, nsec).UTC(), raw[12:], nil
	case keyTagString:
		s, rest, err := readEscaped(orig, raw)
		if err != nil {
			return nil, nil, err
		}
		return string(s), rest, nil
	case keyTagBinary:
		b, rest, err := readEscaped(orig, raw)
		if err != nil {
			return nil, nil, err
		}
		return b, rest, nil
	case keyTagArray:
		arr := []any{}
		for {
			if len(raw) == 0 {
				return nil, nil, dataErrf(orig, len(orig), nil, "unterminated array key")
			}
			if raw[0] == keyArrayEnd {
				return arr, raw[1:], nil
			}
			var el any
			var err error
			el, raw, err = decodeKeyAt(orig, raw, depth+1)
			if err != nil {
				return nil, nil, err
			}
			arr = append(arr, el)
		}
	default:
		return nil, nil, dataErrf(orig, len(orig)-len(raw)-1, nil, "invalid key tag %x", tag)
	}
}

func numberKeyValue(f float64) any {
	if f == math.Trunc(f) && math.Abs(f) <= maxSafeInteger {
		return int64(f)
	}
	return f
}

// decodeFullKey decodes raw and fails if anything follows the key.
func decodeFullKey(raw []byte) (any, error) {
	k, rest, err := decodeKey(raw)
	if err != nil {
		return nil, err
	}
	if len(rest) != 0 {
		return nil, dataErrf(raw, len(raw)-len(rest), nil, "trailing bytes after key")
	}
	return k, nil
}

// splitKey returns the first encoded key of raw and whatever follows it.
func splitKey(raw []byte) ([]byte, []byte, error) {
	_, rest, err := decodeKey(raw)
	if err != nil {
		return nil, nil, err
	}
	return raw[:len(raw)-len(rest)], rest, nil
}

// numericKey reports the numeric value of an encoded key, if it is a number.
func numericKey(raw []byte) (float64, bool) {
	if len(raw) != 9 || raw[0] != keyTagNumber {
		return 0, false
	}
	k, _, err := decodeKey(raw)
	if err != nil {
		return 0, false
	}
	switch k := k.(type) {
	case int64:
		return float64(k), true
	case float64:
		return k, true
	}
	return 0, false
}

// CompareKeys orders two keys: -1 if a < b, 0 if they are the same key,
// 1 if a > b. Numbers sort before dates, dates before strings, strings
// before binary, binary before arrays. Arrays compare element-wise.
func CompareKeys(a, b any) (int, error) {
	ra, err := encodeKey(nil, a)
	if err != nil {
		return 0, err
	}
	rb, err := encodeKey(nil, b)
	if err != nil {
		return 0, err
	}
	return bytes.Compare(ra, rb), nil
}

// ValidKey reports whether k can be used as a key.
func ValidKey(k any) bool {
	_, err := encodeKey(nil, k)
	return err == nil
}
