// Package codec implements the steganographic access-control scheme from
// §4.3: a PermissionRecord is serialized, framed with a magic/length/CRC
// envelope, and embedded into the least-significant bits of a PNG's pixel
// channels. It is built directly on the standard library's image/image/png
// packages (see DESIGN.md): LSB manipulation needs per-byte control over
// the decoded pixel buffer that no third-party codec in this repository's
// dependency set provides more directly.
package codec

import (
	"encoding/binary"
	"hash/crc32"

	"github.com/p2pshare/core/pkg/wire"
	"github.com/pkg/errors"
)

// Magic identifies an embedded payload (§4.3: 4-byte constant "P2P!").
var Magic = [4]byte{0x50, 0x32, 0x50, 0x21}

// MaxRecordBytes bounds the decoded record body length (§4.3 Extraction:
// "sanity-bound (<= 4096 bytes)").
const MaxRecordBytes = 4096

var (
	ErrNotEncrypted    = errors.New("not encrypted")
	ErrCorrupt         = errors.New("corrupt permission record")
	ErrAccessDenied    = errors.New("access denied")
	ErrCarrierTooSmall = errors.New("carrier too small")
	ErrStaleUpdate     = errors.New("stale permission update")
)

// PermissionRecord is the per-recipient access-control tuple embedded in a
// carrier image (§3 Permission record).
type PermissionRecord struct {
	Owner          string
	Viewer         string
	QuotaRemaining uint32
	IssuedAt       uint64
}

// encode serializes the record body in declared field order, strings
// length-prefixed u16-be, integers big-endian (§4.3 Wire format).
func (r PermissionRecord) encode() []byte {
	return wire.NewWriter().
		String(r.Owner).
		String(r.Viewer).
		Uint32(r.QuotaRemaining).
		Uint64(r.IssuedAt).
		Build()
}

func decodeRecordBody(body []byte) (PermissionRecord, error) {
	r := wire.NewReader(body)
	rec := PermissionRecord{
		Owner:          r.String(),
		Viewer:         r.String(),
		QuotaRemaining: r.Uint32(),
		IssuedAt:       r.Uint64(),
	}
	if err := r.Err(); err != nil {
		return PermissionRecord{}, errors.Wrap(ErrCorrupt, err.Error())
	}
	return rec, nil
}

// frame builds the full embedded payload: magic, length, body, CRC-32 of
// length+body (§4.3 Wire format of embedded payload).
func frame(rec PermissionRecord) []byte {
	body := rec.encode()
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(body)))

	crcInput := append(append([]byte{}, lenBuf[:]...), body...)
	crc := crc32.ChecksumIEEE(crcInput)

	out := make([]byte, 0, 4+4+len(body)+4)
	out = append(out, Magic[:]...)
	out = append(out, lenBuf[:]...)
	out = append(out, body...)
	var crcBuf [4]byte
	binary.BigEndian.PutUint32(crcBuf[:], crc)
	out = append(out, crcBuf[:]...)
	return out
}

// parseFrame reverses frame, validating magic, length bound, and CRC
// (§4.3 Extraction).
func parseFrame(data []byte) (PermissionRecord, error) {
	if len(data) < 12 {
		return PermissionRecord{}, ErrNotEncrypted
	}
	var magic [4]byte
	copy(magic[:], data[:4])
	if magic != Magic {
		return PermissionRecord{}, ErrNotEncrypted
	}
	n := binary.BigEndian.Uint32(data[4:8])
	if n > MaxRecordBytes {
		return PermissionRecord{}, ErrCorrupt
	}
	if len(data) < 8+int(n)+4 {
		return PermissionRecord{}, ErrCorrupt
	}
	body := data[8 : 8+n]
	wantCRC := binary.BigEndian.Uint32(data[8+n : 8+n+4])
	gotCRC := crc32.ChecksumIEEE(data[4 : 8+n])
	if wantCRC != gotCRC {
		return PermissionRecord{}, ErrCorrupt
	}
	return decodeRecordBody(body)
}

// FrameBitLen returns the total bit length B of the embedded payload for
// rec (§4.3 Embedding procedure: "B = 8*(4+4+N+4)").
func FrameBitLen(rec PermissionRecord) int {
	return len(frame(rec)) * 8
}
