package byteorder

import (
	"encoding/binary"
	"errors"
)

// everything that goes on the wire is little-endian.
//
// Append* functions grow the given slice, Reader consumes a buffer front to
// back and remembers the first short read so that decoders can check the
// error once at the end instead of after every field.

var ErrShortBuffer = errors.New("byteorder: short buffer")

var le = binary.LittleEndian

func AppendUint16(b []byte, v uint16) []byte { return le.AppendUint16(b, v) }
func AppendUint32(b []byte, v uint32) []byte { return le.AppendUint32(b, v) }
func AppendUint64(b []byte, v uint64) []byte { return le.AppendUint64(b, v) }

func Uint16(b []byte) uint16 { return le.Uint16(b) }
func Uint32(b []byte) uint32 { return le.Uint32(b) }
func Uint64(b []byte) uint64 { return le.Uint64(b) }

func PutUint64(b []byte, v uint64) { le.PutUint64(b, v) }

type Reader struct {
	buf []byte
	off int
	err error
}

func NewReader(buf []byte) *Reader {
	return &Reader{buf: buf}
}

func (r *Reader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || len(r.buf)-r.off < n {
		r.err = ErrShortBuffer
		return nil
	}
	b := r.buf[r.off : r.off+n]
	r.off += n
	return b
}

func (r *Reader) Uint8() uint8 {
	b := r.take(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (r *Reader) Uint16() uint16 {
	b := r.take(2)
	if b == nil {
		return 0
	}
	return le.Uint16(b)
}

func (r *Reader) Uint32() uint32 {
	b := r.take(4)
	if b == nil {
		return 0
	}
	return le.Uint32(b)
}

func (r *Reader) Uint64() uint64 {
	b := r.take(8)
	if b == nil {
		return 0
	}
	return le.Uint64(b)
}

// Bytes returns the next n bytes without copying. The result aliases the
// underlying buffer.
func (r *Reader) Bytes(n int) []byte {
	return r.take(n)
}

func (r *Reader) Remaining() int {
	return len(r.buf) - r.off
}

func (r *Reader) Err() error {
	return r.err
}
