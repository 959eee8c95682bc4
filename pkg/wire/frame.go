// Package wire implements the length-prefixed framing and tagged-record
// encoding shared by the directory wire protocol, the directory cluster
// (consensus) protocol, and the peer protocol (§4.4, §6). All three speak
// the same frame shape over TCP:
//
//	[4 bytes length, big-endian][payload]
//
// with payload beginning with a 1-byte opcode for the directory/peer
// protocols. Strings inside a payload are u16-length-prefixed UTF-8;
// integers are big-endian. This keeps the three protocols byte-compatible
// with a single reader/writer implementation instead of three.
package wire

import (
	"encoding/binary"
	"io"

	"github.com/pkg/errors"
)

// MaxFrameSize bounds a single frame, large enough to carry full-size
// images (§4.4).
const MaxFrameSize = 64 << 20 // 64 MiB

var ErrFrameTooLarge = errors.New("frame exceeds maximum size")

// ReadFrame reads one length-prefixed frame from r.
func ReadFrame(r io.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n > MaxFrameSize {
		return nil, errors.Wrapf(ErrFrameTooLarge, "%d bytes", n)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// WriteFrame writes payload as a single length-prefixed frame. The write is
// buffered into one Write call so cancellation never emits a partial frame
// (§4.4 Cancellation).
func WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) > MaxFrameSize {
		return errors.Wrapf(ErrFrameTooLarge, "%d bytes", len(payload))
	}
	buf := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(buf[:4], uint32(len(payload)))
	copy(buf[4:], payload)
	_, err := w.Write(buf)
	return err
}
