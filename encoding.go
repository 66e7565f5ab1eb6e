package objdb

import (
	"bytes"
	"fmt"
	"math"
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

func encodeMsgpack(buf []byte, v any) ([]byte, error) {
	bb := bytesBuilder{buf}
	enc := msgpack.GetEncoder()
	enc.Reset(&bb)
	enc.SetSortMapKeys(true)
	err := enc.Encode(v)
	msgpack.PutEncoder(enc)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %T using MsgPack: %w", v, err)
	}
	return bb.Buf, nil
}

func decodeMsgpack(buf []byte, ptr any) error {
	var r bytes.Reader
	r.Reset(buf)
	dec := msgpack.GetDecoder()
	dec.Reset(&r)
	err := dec.Decode(ptr)
	msgpack.PutDecoder(dec)
	if err != nil {
		return dataErrf(buf, 0, err, "failed to decode msgpack into %T", ptr)
	}
	return nil
}

// decodeRecord turns stored msgpack data into a fresh generic value:
// maps become map[string]any, integers int64 (float64 past MaxInt64),
// floats float64 and times UTC.
func decodeRecord(buf []byte) (any, error) {
	var r bytes.Reader
	r.Reset(buf)
	dec := msgpack.GetDecoder()
	dec.Reset(&r)
	v, err := dec.DecodeInterface()
	msgpack.PutDecoder(dec)
	if err != nil {
		return nil, dataErrf(buf, 0, err, "failed to decode record")
	}
	return normalizeDecoded(v), nil
}

// cloneValue performs the structured clone that happens on every write:
// the value is encoded and decoded back, so the store never shares memory
// with the caller.
func cloneValue(v any) (any, []byte, error) {
	data, err := encodeMsgpack(nil, v)
	if err != nil {
		return nil, nil, err
	}
	rec, err := decodeRecord(data)
	if err != nil {
		return nil, nil, err
	}
	return rec, data, nil
}

func normalizeDecoded(v any) any {
	switch v := v.(type) {
	case int8:
		return int64(v)
	case int16:
		return int64(v)
	case int32:
		return int64(v)
	case int:
		return int64(v)
	case uint8:
		return int64(v)
	case uint16:
		return int64(v)
	case uint32:
		return int64(v)
	case uint64:
		if v > math.MaxInt64 {
			return float64(v)
		}
		return int64(v)
	case uint:
		if uint64(v) > math.MaxInt64 {
			return float64(v)
		}
		return int64(v)
	case float32:
		return float64(v)
	case time.Time:
		return v.UTC()
	case map[string]any:
		for k, e := range v {
			v[k] = normalizeDecoded(e)
		}
		return v
	case []any:
		for i, e := range v {
			v[i] = normalizeDecoded(e)
		}
		return v
	default:
		return v
	}
}

// DecodeValue converts a record returned by the store (a generic value
// built from maps and slices) into T by re-encoding it.
func DecodeValue[T any](rec any) (T, error) {
	var result T
	data, err := encodeMsgpack(nil, rec)
	if err != nil {
		return result, err
	}
	err = decodeMsgpack(data, &result)
	return result, err
}
