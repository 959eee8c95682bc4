package transport

import (
	"context"
	"net"
	"time"

	"github.com/p2pshare/core/pkg/netutil"
	"github.com/p2pshare/core/pkg/wire"
	"github.com/pkg/errors"
)

// ErrPeerBusy surfaces when a peer's listener replies OpBusy (§5 Resources:
// "rejects with ServerBusy").
var ErrPeerBusy = errors.New("peer transport busy")

// Client makes a short-lived, one-request-one-reply connection to a peer's
// transport listener, retrying transient network errors per §7 (base
// 100ms, factor 2, cap 5s, max 5 attempts).
type Client struct {
	Deadline time.Duration
}

func NewClient() *Client {
	return &Client{Deadline: DefaultOpDeadline}
}

func (c *Client) roundTrip(ctx context.Context, addr string, payload []byte) ([]byte, error) {
	var reply []byte
	err := netutil.Backoff(ctx, func() error {
		conn, err := (&net.Dialer{}).DialContext(ctx, "tcp", addr)
		if err != nil {
			return err
		}
		defer conn.Close()
		tuneConn(conn)
		deadline := time.Now().Add(c.Deadline)
		if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
			deadline = dl
		}
		conn.SetDeadline(deadline)
		if err := wire.WriteFrame(conn, payload); err != nil {
			return err
		}
		frame, err := wire.ReadFrame(conn)
		if err != nil {
			return err
		}
		if len(frame) == 1 && frame[0] == OpBusy {
			return ErrPeerBusy
		}
		reply = frame
		return nil
	})
	return reply, err
}

// RequestThumbnail implements the requester side of §4.4's
// ThumbnailRequest/ThumbnailResponse exchange.
func (c *Client) RequestThumbnail(ctx context.Context, addr string, imageID [16]byte) (ThumbnailResponse, error) {
	payload := ThumbnailRequest{ImageID: imageID}.encode()
	frame, err := c.roundTrip(ctx, addr, payload)
	if err != nil {
		return ThumbnailResponse{}, err
	}
	if len(frame) == 0 || frame[0] != OpThumbnailResponse {
		return ThumbnailResponse{}, errors.New("unexpected thumbnail reply")
	}
	return decodeThumbnailResponse(frame[1:])
}

// RequestImage implements the requester side of ImageRequest/ImageAck
// (§4.4); the owner's actual accept/reject surfaces later via the
// directory inbox.
func (c *Client) RequestImage(ctx context.Context, addr string, req ImageRequest) (ImageAck, error) {
	frame, err := c.roundTrip(ctx, addr, req.encode())
	if err != nil {
		return ImageAck{}, err
	}
	if len(frame) == 0 || frame[0] != OpImageAck {
		return ImageAck{}, errors.New("unexpected image ack reply")
	}
	return decodeImageAck(frame[1:])
}

// PushPermission implements the owner side of a direct PermissionPush
// (§4.4); callers fall back to PostPermissionUpdate on the directory when
// this returns an error (peer offline, unreachable, or busy).
func (c *Client) PushPermission(ctx context.Context, addr string, push PermissionPush) (PermissionAck, error) {
	frame, err := c.roundTrip(ctx, addr, push.encode())
	if err != nil {
		return PermissionAck{}, err
	}
	if len(frame) == 0 || frame[0] != OpPermissionAck {
		return PermissionAck{}, errors.New("unexpected permission ack reply")
	}
	return decodePermissionAck(frame[1:])
}
