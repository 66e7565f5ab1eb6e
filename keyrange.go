package objdb

import (
	"bytes"
	"fmt"
)

// KeyRange is a contiguous interval of keys. A nil *KeyRange passed to
// an operation means all keys.
type KeyRange struct {
	Lower     any
	Upper     any
	LowerOpen bool
	UpperOpen bool
}

// Only matches a single key.
func Only(key any) *KeyRange {
	return &KeyRange{Lower: key, Upper: key}
}

func LowerBound(key any, open bool) *KeyRange {
	return &KeyRange{Lower: key, LowerOpen: open}
}

func UpperBound(key any, open bool) *KeyRange {
	return &KeyRange{Upper: key, UpperOpen: open}
}

func Bound(lower, upper any, lowerOpen, upperOpen bool) *KeyRange {
	return &KeyRange{Lower: lower, Upper: upper, LowerOpen: lowerOpen, UpperOpen: upperOpen}
}

func (r *KeyRange) String() string {
	if r == nil {
		return "(all)"
	}
	var buf bytes.Buffer
	if r.Lower == nil {
		buf.WriteString("(-∞")
	} else if r.LowerOpen {
		fmt.Fprintf(&buf, "(%v", r.Lower)
	} else {
		fmt.Fprintf(&buf, "[%v", r.Lower)
	}
	buf.WriteString(", ")
	if r.Upper == nil {
		buf.WriteString("+∞)")
	} else if r.UpperOpen {
		fmt.Fprintf(&buf, "%v)", r.Upper)
	} else {
		fmt.Fprintf(&buf, "%v]", r.Upper)
	}
	return buf.String()
}

// Includes reports whether key falls inside the range.
func (r *KeyRange) Includes(key any) (bool, error) {
	b, err := r.encode()
	if err != nil {
		return false, err
	}
	raw, err := encodeKey(nil, key)
	if err != nil {
		return false, err
	}
	return b.lowerOK(raw) && b.upperOK(raw), nil
}

// rawBounds is a KeyRange in encoded form. A nil bound is unbounded.
type rawBounds struct {
	Lower     []byte
	Upper     []byte
	LowerOpen bool
	UpperOpen bool
}

func (r *KeyRange) encode() (rawBounds, error) {
	var b rawBounds
	if r == nil {
		return b, nil
	}
	var err error
	if r.Lower != nil {
		b.Lower, err = encodeKey(nil, r.Lower)
		if err != nil {
			return b, fmt.Errorf("lower bound: %w", err)
		}
		b.LowerOpen = r.LowerOpen
	}
	if r.Upper != nil {
		b.Upper, err = encodeKey(nil, r.Upper)
		if err != nil {
			return b, fmt.Errorf("upper bound: %w", err)
		}
		b.UpperOpen = r.UpperOpen
	}
	if b.Lower != nil && b.Upper != nil {
		c := bytes.Compare(b.Lower, b.Upper)
		if c > 0 || (c == 0 && (b.LowerOpen || b.UpperOpen)) {
			return b, fmt.Errorf("%w: empty range %v", ErrInvalidKey, r)
		}
	}
	return b, nil
}

func (b rawBounds) lowerOK(pos []byte) bool {
	if b.Lower == nil {
		return true
	}
	c := bytes.Compare(pos, b.Lower)
	return c > 0 || (c == 0 && !b.LowerOpen)
}

func (b rawBounds) upperOK(pos []byte) bool {
	if b.Upper == nil {
		return true
	}
	c := bytes.Compare(pos, b.Upper)
	return c < 0 || (c == 0 && !b.UpperOpen)
}
