package wire

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// ErrShortBuffer is returned by the Reader when a value would read past the
// end of the buffer — always a corrupt or truncated frame, never a partial
// read, since ReadFrame only ever returns whole frames.
var ErrShortBuffer = errors.New("short buffer")

// Reader decodes the big-endian integers and u16-length-prefixed strings
// that make up every opcode payload in the directory and peer protocols.
type Reader struct {
	buf []byte
	off int
	err error
}

func NewReader(buf []byte) *Reader {
	return &Reader{buf: buf}
}

func (r *Reader) Err() error { return r.err }

func (r *Reader) need(n int) []byte {
	if r.err != nil {
		return nil
	}
	if r.off+n > len(r.buf) {
		r.err = ErrShortBuffer
		return nil
	}
	b := r.buf[r.off : r.off+n]
	r.off += n
	return b
}

func (r *Reader) Byte() byte {
	b := r.need(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (r *Reader) Uint16() uint16 {
	b := r.need(2)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint16(b)
}

func (r *Reader) Uint32() uint32 {
	b := r.need(4)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint32(b)
}

func (r *Reader) Uint64() uint64 {
	b := r.need(8)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint64(b)
}

func (r *Reader) Bytes(n int) []byte {
	b := r.need(n)
	if b == nil {
		return nil
	}
	out := make([]byte, n)
	copy(out, b)
	return out
}

// String reads a u16-length-prefixed UTF-8 string.
func (r *Reader) String() string {
	n := r.Uint16()
	b := r.need(int(n))
	if b == nil {
		return ""
	}
	return string(b)
}

// Remaining returns the unread tail of the buffer.
func (r *Reader) Remaining() []byte {
	if r.err != nil || r.off > len(r.buf) {
		return nil
	}
	return r.buf[r.off:]
}

// Writer encodes payloads using the same primitive shapes Reader decodes.
type Writer struct {
	buf []byte
}

func NewWriter() *Writer {
	return &Writer{buf: make([]byte, 0, 64)}
}

func (w *Writer) Byte(b byte) *Writer {
	w.buf = append(w.buf, b)
	return w
}

func (w *Writer) Uint16(v uint16) *Writer {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], v)
	w.buf = append(w.buf, b[:]...)
	return w
}

func (w *Writer) Uint32(v uint32) *Writer {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	w.buf = append(w.buf, b[:]...)
	return w
}

func (w *Writer) Uint64(v uint64) *Writer {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	w.buf = append(w.buf, b[:]...)
	return w
}

func (w *Writer) Bytes(b []byte) *Writer {
	w.buf = append(w.buf, b...)
	return w
}

// String writes s as a u16-length-prefixed UTF-8 string. Callers are
// expected to have validated len(s) against the relevant limit (e.g. the
// 64-byte username bound) before calling this.
func (w *Writer) String(s string) *Writer {
	w.Uint16(uint16(len(s)))
	w.buf = append(w.buf, s...)
	return w
}

func (w *Writer) Build() []byte { return w.buf }
