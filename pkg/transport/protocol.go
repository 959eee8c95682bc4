// Package transport implements the peer-to-peer wire protocol from §4.4:
// thumbnail preview, image request/response, and permission-update push,
// all framed the same way as the directory client protocol (pkg/wire), on
// opcodes reserved for peer traffic (0x80-0x8F, §6 Peer protocol).
package transport

import (
	"github.com/google/uuid"
	"github.com/p2pshare/core/pkg/wire"
)

// Peer protocol opcodes (§6: "opcodes 0x80-0x8F reserved for peer
// operations").
const (
	OpThumbnailRequest  byte = 0x80
	OpThumbnailResponse byte = 0x81
	OpImageRequest      byte = 0x82
	OpImageAck          byte = 0x83
	OpPermissionPush    byte = 0x84
	OpPermissionAck     byte = 0x85
)

// ThumbnailMaxDim and ThumbnailQuality implement §4.4's "downsample to 256
// px max dimension, quality 60".
const (
	ThumbnailMaxDim  = 256
	ThumbnailQuality = 60
)

// ThumbnailRequest asks a peer for a downscaled preview of an image it
// shares (§4.4).
type ThumbnailRequest struct {
	ImageID [16]byte
}

func (m ThumbnailRequest) encode() []byte {
	return wire.NewWriter().Byte(OpThumbnailRequest).Bytes(m.ImageID[:]).Build()
}

func decodeThumbnailRequest(payload []byte) (ThumbnailRequest, error) {
	r := wire.NewReader(payload)
	var m ThumbnailRequest
	copy(m.ImageID[:], r.Bytes(16))
	return m, r.Err()
}

// ThumbnailResponse carries the downsampled JPEG bytes.
type ThumbnailResponse struct {
	JPEGBytes []byte
}

func (m ThumbnailResponse) encode() []byte {
	return wire.NewWriter().Byte(OpThumbnailResponse).
		Uint32(uint32(len(m.JPEGBytes))).Bytes(m.JPEGBytes).Build()
}

func decodeThumbnailResponse(payload []byte) (ThumbnailResponse, error) {
	r := wire.NewReader(payload)
	n := r.Uint32()
	return ThumbnailResponse{JPEGBytes: r.Bytes(int(n))}, r.Err()
}

// ImageRequest is a peer asking an owner to share an image (§4.4); the
// owner's acceptance/rejection arrives later, asynchronously, via the
// directory inbox, not on this connection.
type ImageRequest struct {
	From           string
	ImageID        [16]byte
	RequestedViews uint32
}

func (m ImageRequest) encode() []byte {
	return wire.NewWriter().Byte(OpImageRequest).
		String(m.From).Bytes(m.ImageID[:]).Uint32(m.RequestedViews).Build()
}

func decodeImageRequest(payload []byte) (ImageRequest, error) {
	r := wire.NewReader(payload)
	m := ImageRequest{From: r.String()}
	copy(m.ImageID[:], r.Bytes(16))
	m.RequestedViews = r.Uint32()
	return m, r.Err()
}

// ImageAck is the owner's immediate receipt of an ImageRequest, carrying
// the request id the directory will track (§4.4).
type ImageAck struct {
	RequestID [16]byte
}

func (m ImageAck) encode() []byte {
	return wire.NewWriter().Byte(OpImageAck).Bytes(m.RequestID[:]).Build()
}

func decodeImageAck(payload []byte) (ImageAck, error) {
	r := wire.NewReader(payload)
	var m ImageAck
	copy(m.RequestID[:], r.Bytes(16))
	return m, r.Err()
}

// NewRequestID mints a fresh UUID-backed request id, for Handler
// implementations replying to an ImageRequest with a fresh ImageAck
// (§4.4).
func NewRequestID() [16]byte {
	var id [16]byte
	u, err := uuid.NewRandom()
	if err == nil {
		copy(id[:], u[:])
	}
	return id
}

// PermissionPush is an owner directly notifying an online viewer of a
// quota change, falling back to the directory queue on delivery failure
// (§4.4, §3 Pending permission update).
type PermissionPush struct {
	Owner    string
	Viewer   string
	ImageID  [16]byte
	NewQuota uint32
	IssuedAt uint64
}

func (m PermissionPush) encode() []byte {
	return wire.NewWriter().Byte(OpPermissionPush).
		String(m.Owner).String(m.Viewer).Bytes(m.ImageID[:]).
		Uint32(m.NewQuota).Uint64(m.IssuedAt).Build()
}

func decodePermissionPush(payload []byte) (PermissionPush, error) {
	r := wire.NewReader(payload)
	m := PermissionPush{Owner: r.String(), Viewer: r.String()}
	copy(m.ImageID[:], r.Bytes(16))
	m.NewQuota = r.Uint32()
	m.IssuedAt = r.Uint64()
	return m, r.Err()
}

// PermissionAck confirms direct delivery of a PermissionPush.
type PermissionAck struct {
	Delivered bool
}

func (m PermissionAck) encode() []byte {
	delivered := byte(0)
	if m.Delivered {
		delivered = 1
	}
	return wire.NewWriter().Byte(OpPermissionAck).Byte(delivered).Build()
}

func decodePermissionAck(payload []byte) (PermissionAck, error) {
	r := wire.NewReader(payload)
	return PermissionAck{Delivered: r.Byte() == 1}, r.Err()
}
