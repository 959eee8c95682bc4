package directory

import (
	"net"
	"time"

	"github.com/p2pshare/core/pkg/wire"
	"github.com/pkg/errors"
)

// ErrRedirectLoop guards against a bad leader_hint causing infinite
// redirection (§7: "at most one redirect per request").
var ErrRedirectLoop = errors.New("directory redirected more than once")

// PeerInfo is one row of a DiscoverPeers reply (§6 opcode 0x04).
type PeerInfo struct {
	Username string
	Addr     PeerAddr
	Online   bool
	ImageIDs []ImageID
}

// Client is a short-lived TCP client for the directory's client protocol
// (§6). One redial follows a NotLeader hint; beyond that the caller backs
// off per §7.
type Client struct {
	addrs []string
}

func NewClient(addrs []string) *Client {
	return &Client{addrs: addrs}
}

func (c *Client) roundTrip(payload []byte) ([]byte, error) {
	var lastErr error
	for _, addr := range c.addrs {
		reply, err := c.roundTripAddr(addr, payload)
		if err == nil {
			return reply, nil
		}
		lastErr = err
	}
	return nil, lastErr
}

func (c *Client) roundTripAddr(addr string, payload []byte) ([]byte, error) {
	conn, err := net.DialTimeout("tcp", addr, 3*time.Second)
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(5 * time.Second))
	if err := wire.WriteFrame(conn, payload); err != nil {
		return nil, err
	}
	return wire.ReadFrame(conn)
}

// call sends payload, following exactly one NotLeader redirect (§7).
func (c *Client) call(payload []byte) (*wire.Reader, error) {
	reply, err := c.roundTrip(payload)
	if err != nil {
		return nil, err
	}
	r := wire.NewReader(reply)
	status := r.Byte()
	if status != StatusNotLeader {
		return wire.NewReader(reply), nil
	}
	hint := r.String()
	if hint == "" {
		return nil, errors.New("not leader and no hint given")
	}
	reply2, err := c.roundTripAddr(hint, payload)
	if err != nil {
		return nil, err
	}
	if len(reply2) > 0 && reply2[0] == StatusNotLeader {
		return nil, ErrRedirectLoop
	}
	return wire.NewReader(reply2), nil
}

func statusErr(status byte, hint string) error {
	switch status {
	case StatusOK:
		return nil
	case StatusNotLeader:
		return errors.Errorf("not leader, hint=%s", hint)
	case StatusNotFound:
		return ErrNotFound
	case StatusConflict:
		return ErrAlreadyOnlineElsewhere
	case StatusInvalid:
		return errors.New("invalid request")
	case StatusServerBusy:
		return errors.New("server busy")
	default:
		return errors.Errorf("unknown status %d", status)
	}
}

func (c *Client) Register(username string, addr PeerAddr) error {
	payload := wire.NewWriter().Byte(OpcodeRegister).String(username).
		Bytes(addr.IP[:]).Uint16(addr.Port).Build()
	r, err := c.call(payload)
	if err != nil {
		return err
	}
	status := r.Byte()
	if status == StatusNotLeader {
		return statusErr(status, r.String())
	}
	return statusErr(status, "")
}

func (c *Client) Unregister(username string) error {
	payload := wire.NewWriter().Byte(OpcodeUnregister).String(username).Build()
	r, err := c.call(payload)
	if err != nil {
		return err
	}
	return statusErr(r.Byte(), "")
}

// Heartbeat returns the number of pending permission updates waiting in the
// caller's inbox (§6 opcode 0x03).
func (c *Client) Heartbeat(username string) (int, error) {
	payload := wire.NewWriter().Byte(OpcodeHeartbeat).String(username).Build()
	r, err := c.call(payload)
	if err != nil {
		return 0, err
	}
	status := r.Byte()
	if status != StatusOK {
		return 0, statusErr(status, "")
	}
	return int(r.Uint32()), nil
}

func (c *Client) DiscoverPeers() ([]PeerInfo, error) {
	payload := wire.NewWriter().Byte(OpcodeDiscoverPeers).Build()
	r, err := c.call(payload)
	if err != nil {
		return nil, err
	}
	status := r.Byte()
	if status != StatusOK {
		return nil, statusErr(status, "")
	}
	count := r.Uint32()
	out := make([]PeerInfo, 0, count)
	for i := uint32(0); i < count; i++ {
		var p PeerInfo
		p.Username = r.String()
		copy(p.Addr.IP[:], r.Bytes(4))
		p.Addr.Port = r.Uint16()
		p.Online = r.Byte() == 1
		imgCount := r.Uint32()
		p.ImageIDs = make([]ImageID, imgCount)
		for j := uint32(0); j < imgCount; j++ {
			copy(p.ImageIDs[j][:], r.Bytes(16))
		}
		out = append(out, p)
	}
	return out, r.Err()
}

func (c *Client) LeaveRequest(from, to string, imageID ImageID, views uint32) ([16]byte, error) {
	payload := wire.NewWriter().Byte(OpcodeLeaveRequest).String(from).String(to).
		Bytes(imageID[:]).Uint32(views).Build()
	r, err := c.call(payload)
	if err != nil {
		return [16]byte{}, err
	}
	status := r.Byte()
	if status != StatusOK {
		return [16]byte{}, statusErr(status, "")
	}
	var id [16]byte
	copy(id[:], r.Bytes(16))
	return id, nil
}

func (c *Client) FetchInbox(username string) ([]*PendingRequest, []*PendingPermissionUpdate, error) {
	payload := wire.NewWriter().Byte(OpcodeFetchInbox).String(username).Build()
	r, err := c.call(payload)
	if err != nil {
		return nil, nil, err
	}
	status := r.Byte()
	if status != StatusOK {
		return nil, nil, statusErr(status, "")
	}
	reqCount := r.Uint32()
	reqs := make([]*PendingRequest, 0, reqCount)
	for i := uint32(0); i < reqCount; i++ {
		req := &PendingRequest{}
		copy(req.RequestID[:], r.Bytes(16))
		req.From = r.String()
		req.To = r.String()
		copy(req.ImageID[:], r.Bytes(16))
		req.RequestedViews = r.Uint32()
		req.Status = RequestStatus(r.Byte())
		reqs = append(reqs, req)
	}
	updCount := r.Uint32()
	updates := make([]*PendingPermissionUpdate, 0, updCount)
	for i := uint32(0); i < updCount; i++ {
		u := &PendingPermissionUpdate{}
		u.FromOwner = r.String()
		u.TargetUser = r.String()
		copy(u.ImageID[:], r.Bytes(16))
		u.NewQuota = r.Uint32()
		u.IssuedAt = r.Uint64()
		updates = append(updates, u)
	}
	return reqs, updates, r.Err()
}

func (c *Client) Respond(requestID [16]byte, accept bool) error {
	acceptByte := byte(0)
	if accept {
		acceptByte = 1
	}
	payload := wire.NewWriter().Byte(OpcodeRespond).Bytes(requestID[:]).Byte(acceptByte).Build()
	r, err := c.call(payload)
	if err != nil {
		return err
	}
	return statusErr(r.Byte(), "")
}

func (c *Client) PostPermissionUpdate(owner, viewer string, imageID ImageID, newQuota uint32, issuedAt uint64) error {
	payload := wire.NewWriter().Byte(OpcodePostPermissionUpdate).String(owner).String(viewer).
		Bytes(imageID[:]).Uint32(newQuota).Uint64(issuedAt).Build()
	r, err := c.call(payload)
	if err != nil {
		return err
	}
	return statusErr(r.Byte(), "")
}
