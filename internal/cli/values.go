package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"github.com/andreyvit/objdb"
)

// parseJSON decodes a JSON document into plain Go values, turning
// integral numbers into int64 so they round-trip as integers.
func parseJSON(s string) (any, error) {
	dec := json.NewDecoder(strings.NewReader(s))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("invalid JSON %q: %w", s, err)
	}
	if dec.More() {
		return nil, fmt.Errorf("invalid JSON %q: trailing data", s)
	}
	return convertNumbers(v)
}

func convertNumbers(v any) (any, error) {
	switch v := v.(type) {
	case json.Number:
		if i, err := v.Int64(); err == nil {
			return i, nil
		}
		f, err := v.Float64()
		if err != nil || math.IsInf(f, 0) {
			return nil, fmt.Errorf("invalid number %s", v)
		}
		return f, nil
	case map[string]any:
		for k, e := range v {
			c, err := convertNumbers(e)
			if err != nil {
				return nil, err
			}
			v[k] = c
		}
		return v, nil
	case []any:
		for i, e := range v {
			c, err := convertNumbers(e)
			if err != nil {
				return nil, err
			}
			v[i] = c
		}
		return v, nil
	default:
		return v, nil
	}
}

// parseKey parses a key given on the command line. Anything that is not
// valid JSON is taken as a plain string, so `get users alice` works.
func parseKey(s string) (any, error) {
	k, err := parseJSON(s)
	if err != nil {
		k = s
	}
	if !objdb.ValidKey(k) {
		return nil, fmt.Errorf("%q is not a valid key", s)
	}
	return k, nil
}

func parseKeyPath(s string) objdb.KeyPath {
	if s == "" {
		return nil
	}
	return objdb.Path(strings.Split(s, ",")...)
}

func renderJSON(v any) string {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return fmt.Sprintf("<%v>", err)
	}
	return strings.TrimSuffix(buf.String(), "\n")
}
