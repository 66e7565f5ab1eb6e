package objdb

import (
	"fmt"
	"strings"
)

// KeyPath locates a key inside a record. A single element is a dotted
// path into nested maps ("meta.sku"); an empty element means the record
// itself. Several elements form a compound key: the key is the array of
// values found at each path.
type KeyPath []string

// Path is shorthand for KeyPath{paths...}.
func Path(paths ...string) KeyPath {
	return KeyPath(paths)
}

func (kp KeyPath) IsZero() bool {
	return len(kp) == 0
}

func (kp KeyPath) IsCompound() bool {
	return len(kp) > 1
}

func (kp KeyPath) String() string {
	switch len(kp) {
	case 0:
		return "<none>"
	case 1:
		return kp[0]
	default:
		return "[" + strings.Join(kp, ", ") + "]"
	}
}

func (kp KeyPath) validate() error {
	for _, p := range kp {
		if p == "" {
			if len(kp) > 1 {
				return fmt.Errorf("%w: empty path inside compound key path", ErrInvalidKey)
			}
			continue
		}
		for _, seg := range strings.Split(p, ".") {
			if seg == "" {
				return fmt.Errorf("%w: bad key path %q", ErrInvalidKey, p)
			}
		}
	}
	return nil
}

// canInject reports whether a generated key can be written into records
// at this key path.
func (kp KeyPath) canInject() bool {
	return len(kp) == 1 && kp[0] != ""
}

// evalKeyPath extracts the key at kp from a decoded record. The result
// is not checked for key validity.
func evalKeyPath(rec any, kp KeyPath) (any, bool) {
	switch len(kp) {
	case 0:
		return nil, false
	case 1:
		return lookupPath(rec, kp[0])
	default:
		arr := make([]any, len(kp))
		for i, p := range kp {
			v, ok := lookupPath(rec, p)
			if !ok {
				return nil, false
			}
			arr[i] = v
		}
		return arr, true
	}
}

func lookupPath(v any, path string) (any, bool) {
	if path == "" {
		return v, v != nil
	}
	for {
		seg, rest, more := strings.Cut(path, ".")
		m, ok := v.(map[string]any)
		if !ok {
			return nil, false
		}
		v, ok = m[seg]
		if !ok || v == nil {
			return nil, false
		}
		if !more {
			return v, true
		}
		path = rest
	}
}

// injectKey writes key into rec at path, creating intermediate maps.
func injectKey(rec any, path string, key any) error {
	m, ok := rec.(map[string]any)
	if !ok {
		return fmt.Errorf("%w: cannot store generated key at %q in a %T", ErrInvalidKey, path, rec)
	}
	for {
		seg, rest, more := strings.Cut(path, ".")
		if !more {
			m[seg] = key
			return nil
		}
		next, found := m[seg]
		if !found || next == nil {
			child := make(map[string]any)
			m[seg] = child
			m = child
		} else if child, ok := next.(map[string]any); ok {
			m = child
		} else {
			return fmt.Errorf("%w: cannot store generated key at %q: %s is a %T", ErrInvalidKey, path, seg, next)
		}
		path = rest
	}
}
