package raft

import (
	"context"
	"net"
	"time"

	"github.com/p2pshare/core/pkg/wire"
	"github.com/pkg/errors"
)

// Cluster-protocol opcodes (§6 Cluster protocol), distinct from the client
// protocol's 0x01-0x08 and the peer protocol's 0x80-0x8F.
const (
	OpRequestVote      byte = 0x20
	OpRequestVoteReply byte = 0x21
	OpAppendEntries    byte = 0x22
	OpAppendReply      byte = 0x23
)

// PeerDialer resolves a cluster member ID to a dialable address. The
// directory package supplies this from its configured peer list.
type PeerDialer interface {
	Addr(peerID uint64) (string, bool)
}

// TCPTransport carries RequestVote/AppendEntries over the same framed-TCP
// shape as every other protocol in this system (§4.4), one short-lived
// connection per RPC, matching the teacher's terse internal RPC style
// rather than maintaining a persistent connection pool.
type TCPTransport struct {
	dialer PeerDialer
}

func NewTCPTransport(dialer PeerDialer) *TCPTransport {
	return &TCPTransport{dialer: dialer}
}

func (t *TCPTransport) dial(ctx context.Context, peerID uint64) (net.Conn, error) {
	addr, ok := t.dialer.Addr(peerID)
	if !ok {
		return nil, errors.Errorf("unknown peer %d", peerID)
	}
	d := net.Dialer{}
	return d.DialContext(ctx, "tcp", addr)
}

func (t *TCPTransport) RequestVote(ctx context.Context, peerID uint64, req *RequestVoteRequest) (*RequestVoteReply, error) {
	conn, err := t.dial(ctx, peerID)
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	setConnDeadline(conn, ctx)

	payload := wire.NewWriter().
		Byte(OpRequestVote).
		Uint64(req.Term).
		Uint64(req.CandidateID).
		Uint64(req.LastLogIndex).
		Uint64(req.LastLogTerm).
		Build()
	if err := wire.WriteFrame(conn, payload); err != nil {
		return nil, err
	}
	frame, err := wire.ReadFrame(conn)
	if err != nil {
		return nil, err
	}
	r := wire.NewReader(frame)
	if op := r.Byte(); op != OpRequestVoteReply {
		return nil, errors.Errorf("unexpected opcode %#x in RequestVote reply", op)
	}
	reply := &RequestVoteReply{Term: r.Uint64(), VoteGranted: r.Byte() == 1}
	return reply, r.Err()
}

func (t *TCPTransport) AppendEntries(ctx context.Context, peerID uint64, req *AppendEntriesRequest) (*AppendEntriesReply, error) {
	conn, err := t.dial(ctx, peerID)
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	setConnDeadline(conn, ctx)

	w := wire.NewWriter().
		Byte(OpAppendEntries).
		Uint64(req.Term).
		Uint64(req.LeaderID).
		Uint64(req.PrevLogIndex).
		Uint64(req.PrevLogTerm).
		Uint64(req.LeaderCommit).
		Uint32(uint32(len(req.Entries)))
	for _, e := range req.Entries {
		w.Uint64(e.Term).Uint64(e.Index).Uint32(uint32(len(e.Command))).Bytes(e.Command)
	}
	if err := wire.WriteFrame(conn, w.Build()); err != nil {
		return nil, err
	}
	frame, err := wire.ReadFrame(conn)
	if err != nil {
		return nil, err
	}
	r := wire.NewReader(frame)
	if op := r.Byte(); op != OpAppendReply {
		return nil, errors.Errorf("unexpected opcode %#x in AppendEntries reply", op)
	}
	reply := &AppendEntriesReply{
		Term:          r.Uint64(),
		Success:       r.Byte() == 1,
		ConflictIndex: r.Uint64(),
		ConflictTerm:  r.Uint64(),
	}
	return reply, r.Err()
}

func setConnDeadline(conn net.Conn, ctx context.Context) {
	if dl, ok := ctx.Deadline(); ok {
		conn.SetDeadline(dl)
		return
	}
	conn.SetDeadline(time.Now().Add(5 * time.Second))
}

// ServeConn decodes one cluster-protocol request (its opcode and payload,
// already read off the connection by the caller), dispatches it to node,
// and returns the encoded reply for the caller to write. Called from the
// directory server's handleClusterConn, which serves the peer listener,
// separate from the client-protocol listener (see pkg/directory/server.go).
func ServeConn(node *Node, opcode byte, payload []byte) ([]byte, error) {
	r := wire.NewReader(payload)
	switch opcode {
	case OpRequestVote:
		req := &RequestVoteRequest{
			Term:         r.Uint64(),
			CandidateID:  r.Uint64(),
			LastLogIndex: r.Uint64(),
			LastLogTerm:  r.Uint64(),
		}
		if err := r.Err(); err != nil {
			return nil, err
		}
		reply := node.HandleRequestVote(req)
		voted := byte(0)
		if reply.VoteGranted {
			voted = 1
		}
		return wire.NewWriter().Byte(OpRequestVoteReply).Uint64(reply.Term).Byte(voted).Build(), nil
	case OpAppendEntries:
		req := &AppendEntriesRequest{
			Term:         r.Uint64(),
			LeaderID:     r.Uint64(),
			PrevLogIndex: r.Uint64(),
			PrevLogTerm:  r.Uint64(),
			LeaderCommit: r.Uint64(),
		}
		n := r.Uint32()
		req.Entries = make([]Entry, 0, n)
		for i := uint32(0); i < n; i++ {
			term := r.Uint64()
			index := r.Uint64()
			cmdLen := r.Uint32()
			cmd := r.Bytes(int(cmdLen))
			req.Entries = append(req.Entries, Entry{Term: term, Index: index, Command: cmd})
		}
		if err := r.Err(); err != nil {
			return nil, err
		}
		reply := node.HandleAppendEntries(req)
		ok := byte(0)
		if reply.Success {
			ok = 1
		}
		return wire.NewWriter().Byte(OpAppendReply).Uint64(reply.Term).Byte(ok).
			Uint64(reply.ConflictIndex).Uint64(reply.ConflictTerm).Build(), nil
	default:
		return nil, errors.Errorf("unknown cluster opcode %#x", opcode)
	}
}
