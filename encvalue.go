package objdb

import (
	"encoding/binary"
)

// valueFlags is the first uvarint of a stored value. The low four bits
// hold the format version; the remaining bits are reserved.
type valueFlags uint64

const (
	vfVerMask       valueFlags = 0xF
	vfVer1          valueFlags = 1
	vfSupportedMask            = vfVerMask
	vfDefault                  = vfVer1

	// flags, data size, index size
	minValueSize = 3
)

func (vf valueFlags) ver() valueFlags {
	return vf & vfVerMask
}

// value is a stored record: a header, the msgpack-encoded record, and the
// list of index keys the record contributed (see appendIndexKeys).
//
// The index key list lets a put or delete remove exactly the index entries
// the previous version of the record created, even after the index key
// paths or the record's own fields have changed.
type value struct {
	Flags valueFlags
	Data  []byte
	Index []byte
}

func encodeValue(buf []byte, data []byte, rows indexRows) []byte {
	idx := appendIndexKeys(nil, rows)
	buf = binary.AppendUvarint(buf, uint64(vfDefault))
	buf = binary.AppendUvarint(buf, uint64(len(data)))
	buf = binary.AppendUvarint(buf, uint64(len(idx)))
	buf = append(buf, data...)
	return append(buf, idx...)
}

func (vle *value) decode(raw []byte) error {
	if len(raw) < minValueSize {
		return dataErrf(raw, 0, nil, "invalid value: at least %d bytes required", minValueSize)
	}
	d := makeByteDecoder(raw)

	flags, err := d.Uvarint()
	if err != nil {
		return err
	}
	vle.Flags = valueFlags(flags)
	if vle.Flags&^vfSupportedMask != 0 {
		return dataErrf(raw, 0, nil, "invalid value: unsupported flags %x", flags)
	}
	if vle.Flags.ver() != vfVer1 {
		return dataErrf(raw, 0, nil, "invalid value: unsupported version %d", vle.Flags.ver())
	}

	dataSize, err := d.Len()
	if err != nil {
		return err
	}
	indexSize, err := d.Len()
	if err != nil {
		return err
	}
	if rem := len(d.Rest()); rem != dataSize+indexSize {
		return dataErrf(raw, d.Off(), nil, "invalid value: got %d bytes for data+index, expected %d", rem, dataSize+indexSize)
	}

	vle.Data, _ = d.Raw(dataSize)
	vle.Index, _ = d.Raw(indexSize)
	return nil
}

func decodeStoredRecord(raw []byte) (any, error) {
	var vle value
	if err := vle.decode(raw); err != nil {
		return nil, err
	}
	return decodeRecord(vle.Data)
}
