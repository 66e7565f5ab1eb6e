package objdb

import (
	"encoding/binary"
	"io"
	"math"
)

// bytesBuilder is an io.Writer appending to Buf, so msgpack can encode
// straight into a value being assembled.
type bytesBuilder struct {
	Buf []byte
}

var (
	_ io.Writer     = (*bytesBuilder)(nil)
	_ io.ByteWriter = (*bytesBuilder)(nil)
)

func (bb *bytesBuilder) Write(b []byte) (int, error) {
	bb.Buf = append(bb.Buf, b...)
	return len(b), nil
}

func (bb *bytesBuilder) WriteByte(v byte) error {
	bb.Buf = append(bb.Buf, v)
	return nil
}

// appendVarbytes appends a uvarint length followed by v.
func appendVarbytes(buf []byte, v []byte) []byte {
	buf = binary.AppendUvarint(buf, uint64(len(v)))
	return append(buf, v...)
}

// byteDecoder reads uvarints and byte strings off a buffer, reporting
// failures as DataErrors that point at the offending offset.
type byteDecoder struct {
	data []byte
	pos  int
}

func makeByteDecoder(data []byte) byteDecoder {
	return byteDecoder{data: data}
}

func (d *byteDecoder) Off() int {
	return d.pos
}

// Rest returns the unread part of the buffer.
func (d *byteDecoder) Rest() []byte {
	return d.data[d.pos:]
}

func (d *byteDecoder) fail(format string, args ...any) error {
	return dataErrf(d.data, d.pos, nil, format, args...)
}

func (d *byteDecoder) Uvarint() (uint64, error) {
	v, n := binary.Uvarint(d.data[d.pos:])
	if n <= 0 {
		return 0, d.fail("invalid uvarint")
	}
	d.pos += n
	return v, nil
}

// Len reads a uvarint that must fit into an int, such as a count or a size.
func (d *byteDecoder) Len() (int, error) {
	v, err := d.Uvarint()
	if err != nil {
		return 0, err
	}
	if v > math.MaxInt {
		return 0, d.fail("length does not fit into int: %d", v)
	}
	return int(v), nil
}

func (d *byteDecoder) Raw(n int) ([]byte, error) {
	if rem := len(d.data) - d.pos; rem < n {
		return nil, d.fail("not enough data: %d bytes remaining, %d wanted", rem, n)
	}
	v := d.data[d.pos : d.pos+n]
	d.pos += n
	return v, nil
}

func (d *byteDecoder) VarBytes() ([]byte, error) {
	n, err := d.Len()
	if err != nil {
		return nil, err
	}
	return d.Raw(n)
}
