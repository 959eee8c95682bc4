package directory

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/p2pshare/core/pkg/directory/raft"
	"github.com/p2pshare/core/pkg/gziputil"
	"github.com/p2pshare/core/pkg/log"
	"github.com/p2pshare/core/pkg/snapshot"
	snapshotutil "github.com/p2pshare/core/pkg/snapshot/util"
	"github.com/p2pshare/core/pkg/transport"
	"github.com/p2pshare/core/pkg/wire"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// requestTimeout bounds how long a client mutation waits to commit before
// the server gives up and reports ServerBusy (§7 QuorumLost).
const requestTimeout = 2 * time.Second

// Server serves the client protocol (§6, opcodes 0x01-0x08) on one listener
// and the cluster protocol (opcodes 0x20-0x2F) on another, the same
// split the teacher makes between ClientURL and PeerURL.
type Server struct {
	cfg  *Config
	sm   *StateMachine
	node *raft.Node

	clientLn net.Listener
	peerLn   net.Listener

	log *zap.Logger
}

func NewServer(cfg *Config) (*Server, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if err := restoreSnapshotIfMissing(cfg); err != nil {
		return nil, errors.Wrap(err, "cannot restore state.json from backup")
	}
	sm := NewStateMachine()
	storage, err := raft.NewFileStorage(cfg.DataDir)
	if err != nil {
		return nil, errors.Wrap(err, "cannot open raft storage")
	}
	dialer := &staticDialer{peers: cfg.PeerAddrs}
	node, err := raft.NewNode(&raft.Config{
		ID:               cfg.ServerID,
		Peers:            cfg.AllServerIDs(),
		FSM:              newFSMAdapter(sm),
		Storage:          storage,
		Transport:        raft.NewTCPTransport(dialer),
		SnapshotInterval: cfg.SnapshotInterval,
	})
	if err != nil {
		return nil, errors.Wrap(err, "cannot construct raft node")
	}
	return &Server{
		cfg:  cfg,
		sm:   sm,
		node: node,
		log:  log.NewLoggerWithLevel("directory", log.Level()),
	}, nil
}

// Run binds both listeners and runs the raft node until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	clientLn, err := net.Listen("tcp", s.cfg.ClientAddr)
	if err != nil {
		return errors.Wrap(err, "cannot bind client listener")
	}
	peerLn, err := net.Listen("tcp", s.cfg.PeerAddr)
	if err != nil {
		clientLn.Close()
		return errors.Wrap(err, "cannot bind peer listener")
	}

	if s.cfg.DirectorySecurity.Enabled() {
		tlsCfg, err := s.cfg.DirectorySecurity.ServerTLSConfig()
		if err != nil {
			clientLn.Close()
			peerLn.Close()
			return errors.Wrap(err, "cannot build cluster tls config")
		}
		clientLn = tls.NewListener(clientLn, tlsCfg)
		peerLn = tls.NewListener(peerLn, tlsCfg)
	}
	s.clientLn = clientLn
	s.peerLn = peerLn

	go s.acceptLoop(s.clientLn, s.handleClientConn)
	go s.acceptLoop(s.peerLn, s.handleClusterConn)
	go s.runSnapshotBackup(ctx)
	go s.runAbsenceSweeper(ctx)

	s.log.Info("directory node listening",
		zap.Uint64("server_id", s.cfg.ServerID),
		zap.String("client_addr", s.cfg.ClientAddr),
		zap.String("peer_addr", s.cfg.PeerAddr),
	)

	err = s.node.Run(ctx)
	s.clientLn.Close()
	s.peerLn.Close()
	return err
}

// runSnapshotBackup mirrors the leader's on-disk state.json to an optional
// remote destination (§4.1 Persistence, ambient enrichment). A no-op when
// SnapshotBackupURL is unset; never substitutes for the required local
// state.json/log.bin layout, which raft.FileStorage owns regardless.
func (s *Server) runSnapshotBackup(ctx context.Context) {
	if s.cfg.SnapshotBackupURL == "" {
		return
	}
	backup, err := snapshot.NewSnapshotterFromURL(s.cfg.SnapshotBackupURL)
	if err != nil {
		s.log.Error("snapshot backup disabled: invalid backup url", zap.Error(err))
		return
	}

	ticker := time.NewTicker(s.cfg.SnapshotInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !s.node.IsLeader() {
				continue
			}
			path := filepath.Join(s.cfg.DataDir, "state.json")
			fi, err := os.Stat(path)
			if err != nil {
				if !os.IsNotExist(err) {
					s.log.Debug("cannot stat state.json for backup", zap.Error(err))
				}
				continue
			}
			f, err := os.Open(path)
			if err != nil {
				s.log.Debug("cannot open state.json for backup", zap.Error(err))
				continue
			}
			var data io.ReadCloser = f
			if s.cfg.SnapshotEncryptionKey != nil {
				data = snapshotutil.NewEncrypterReadCloser(data, s.cfg.SnapshotEncryptionKey, fi.Size())
			}
			if s.cfg.SnapshotCompression {
				data = snapshotutil.NewGzipReadCloser(data)
			}
			if err := backup.Save(data); err != nil {
				s.log.Debug("cannot save snapshot backup", zap.Error(err))
				continue
			}
			s.log.Info("wrote directory snapshot to backup")
		}
	}
}

// heartbeatInterval and missedHeartbeats set the absence threshold from §3
// Lifecycle: a user silent for 3 missed heartbeats x 10s is marked offline.
const (
	heartbeatInterval = 10 * time.Second
	missedHeartbeats  = 3
)

// runAbsenceSweeper periodically expires users whose last heartbeat is
// older than the absence threshold. The sweep goes through the log as a
// normal command so every replica applies the same cutoff.
func (s *Server) runAbsenceSweeper(ctx context.Context) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !s.node.IsLeader() {
				continue
			}
			s.submit(&Command{
				Kind:          OpExpireUsers,
				AbsenceMillis: uint64((missedHeartbeats * heartbeatInterval).Milliseconds()),
			})
		}
	}
}

// tryDirectPush attempts to deliver a permission update straight to an
// online viewer over the peer transport (§4.1 PostPermissionUpdate). On an
// acked delivery the queued copy is dropped so the viewer never sees it a
// second time on heartbeat; on any failure the queue simply stands.
func (s *Server) tryDirectPush(owner, viewer string, imageID ImageID, quota uint32, issuedAt uint64) {
	u, ok := s.sm.LookupUser(viewer)
	if !ok || !u.Online {
		return
	}
	addr := fmt.Sprintf("%d.%d.%d.%d:%d", u.Addr.IP[0], u.Addr.IP[1], u.Addr.IP[2], u.Addr.IP[3], u.Addr.Port)
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	ack, err := transport.NewClient().PushPermission(ctx, addr, transport.PermissionPush{
		Owner:    owner,
		Viewer:   viewer,
		ImageID:  imageID,
		NewQuota: quota,
		IssuedAt: issuedAt,
	})
	if err != nil || !ack.Delivered {
		s.log.Debug("direct permission push failed, leaving queued",
			zap.String("viewer", viewer), zap.Error(err))
		return
	}
	s.submit(&Command{
		Kind: OpDropUpdate, Owner: owner, Viewer: viewer,
		ImageID: imageID, IssuedAt: issuedAt,
	})
}

// restoreSnapshotIfMissing pulls the remote backup copy of state.json down
// to DataDir before the raft node's own storage opens, the same order the
// teacher's Manager.restoreFromSnapshot runs in relative to etcd startup. A
// no-op whenever a local state.json already exists or no backup is
// configured, so a restart of an already-initialized node never clobbers
// its own newer state with a stale remote copy.
func restoreSnapshotIfMissing(cfg *Config) error {
	path := filepath.Join(cfg.DataDir, "state.json")
	if _, err := os.Stat(path); err == nil {
		return nil
	} else if !os.IsNotExist(err) {
		return err
	}
	if cfg.SnapshotBackupURL == "" {
		return nil
	}
	backup, err := snapshot.NewSnapshotterFromURL(cfg.SnapshotBackupURL)
	if err != nil {
		return errors.Wrap(err, "invalid backup url")
	}
	r, err := backup.Load()
	if err != nil {
		return errors.Wrap(err, "no remote snapshot available")
	}
	defer r.Close()

	var data io.ReadCloser = r
	if cfg.SnapshotCompression {
		data, err = gziputil.NewGunzipReadCloser(data)
		if err != nil {
			return errors.Wrap(err, "cannot gunzip remote snapshot")
		}
	}
	if cfg.SnapshotEncryptionKey != nil {
		data = snapshotutil.NewDecrypterReadCloser(data, cfg.SnapshotEncryptionKey)
	}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, data); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func (s *Server) acceptLoop(ln net.Listener, handle func(net.Conn)) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		go handle(conn)
	}
}

func (s *Server) handleClusterConn(conn net.Conn) {
	defer conn.Close()
	frame, err := wire.ReadFrame(conn)
	if err != nil {
		return
	}
	if len(frame) == 0 {
		return
	}
	reply, err := raft.ServeConn(s.node, frame[0], frame[1:])
	if err != nil {
		s.log.Debug("cluster rpc failed", zap.Error(err))
		return
	}
	wire.WriteFrame(conn, reply)
}

func (s *Server) handleClientConn(conn net.Conn) {
	defer conn.Close()
	for {
		frame, err := wire.ReadFrame(conn)
		if err != nil {
			return
		}
		if len(frame) == 0 {
			return
		}
		reply := s.dispatch(frame[0], frame[1:])
		if err := wire.WriteFrame(conn, reply); err != nil {
			return
		}
	}
}

func (s *Server) dispatch(opcode byte, payload []byte) []byte {
	r := wire.NewReader(payload)
	switch opcode {
	case OpcodeRegister:
		return s.handleRegister(r)
	case OpcodeUnregister:
		return s.handleUnregister(r)
	case OpcodeHeartbeat:
		return s.handleHeartbeat(r)
	case OpcodeDiscoverPeers:
		return s.handleDiscoverPeers()
	case OpcodeLeaveRequest:
		return s.handleLeaveRequest(r)
	case OpcodeFetchInbox:
		return s.handleFetchInbox(r)
	case OpcodeRespond:
		return s.handleRespond(r)
	case OpcodePostPermissionUpdate:
		return s.handlePostPermissionUpdate(r)
	default:
		return wire.NewWriter().Byte(StatusInvalid).Build()
	}
}

// submit routes cmd through the raft log, filling in a fresh random client
// ID for each call, and reports NotLeader with the current leader hint on
// failure (§7 NotLeader). The client protocol carries no request ID, so a
// client's retried request is submitted as a new command with a new ID; the
// state machine's ClientID/Seq dedup does not match it to the first attempt.
func (s *Server) submit(cmd *Command) (*Result, byte) {
	if !s.node.IsLeader() {
		return nil, StatusNotLeader
	}
	if cmd.ClientID == "" {
		id, err := uuid.NewRandom()
		if err == nil {
			cmd.ClientID = id.String()
		}
	}
	if cmd.UnixMillis == 0 {
		cmd.UnixMillis = uint64(time.Now().UnixMilli())
	}
	data, err := json.Marshal(cmd)
	if err != nil {
		return nil, StatusInvalid
	}
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	raw, err := s.node.Submit(ctx, data)
	if err != nil {
		if errors.Cause(err) == raft.ErrNotLeader {
			return nil, StatusNotLeader
		}
		return nil, StatusServerBusy
	}
	result, err := decodeResult(raw)
	if err != nil {
		return nil, StatusInvalid
	}
	return result, statusForErr(result.Err)
}

func (s *Server) leaderHintAddr() string {
	id := s.node.LeaderHint()
	if addr, ok := s.cfg.clientAddrByID[id]; ok {
		return addr
	}
	return ""
}

func (s *Server) handleRegister(r *wire.Reader) []byte {
	username := r.String()
	ip := r.Bytes(4)
	port := r.Uint16()
	if err := r.Err(); err != nil {
		return wire.NewWriter().Byte(StatusInvalid).Build()
	}
	var addr PeerAddr
	copy(addr.IP[:], ip)
	addr.Port = port

	_, status := s.submit(&Command{Kind: OpRegister, Username: username, Addr: addr})
	w := wire.NewWriter().Byte(status)
	if status == StatusNotLeader {
		w.String(s.leaderHintAddr())
	}
	return w.Build()
}

func (s *Server) handleUnregister(r *wire.Reader) []byte {
	username := r.String()
	_, status := s.submit(&Command{Kind: OpUnregister, Username: username})
	w := wire.NewWriter().Byte(status)
	if status == StatusNotLeader {
		w.String(s.leaderHintAddr())
	}
	return w.Build()
}

func (s *Server) handleHeartbeat(r *wire.Reader) []byte {
	username := r.String()
	result, status := s.submit(&Command{Kind: OpHeartbeat, Username: username})
	w := wire.NewWriter().Byte(status)
	if status == StatusNotLeader {
		return w.String(s.leaderHintAddr()).Build()
	}
	count := 0
	if result != nil {
		count = result.PendingUpdateCount
	}
	return w.Uint32(uint32(count)).Build()
}

func (s *Server) handleDiscoverPeers() []byte {
	if !s.node.IsLeader() {
		return wire.NewWriter().Byte(StatusNotLeader).String(s.leaderHintAddr()).Build()
	}
	users := s.sm.DiscoverPeers()
	w := wire.NewWriter().Byte(StatusOK).Uint32(uint32(len(users)))
	for _, u := range users {
		online := byte(0)
		if u.Online {
			online = 1
		}
		w.String(u.Username).Bytes(u.Addr.IP[:]).Uint16(u.Addr.Port).Byte(online).
			Uint32(uint32(len(u.ImageIDs)))
		for id := range u.ImageIDs {
			w.Bytes(id[:])
		}
	}
	return w.Build()
}

func (s *Server) handleLeaveRequest(r *wire.Reader) []byte {
	from := r.String()
	to := r.String()
	var imageID ImageID
	copy(imageID[:], r.Bytes(16))
	views := r.Uint32()
	if err := r.Err(); err != nil {
		return wire.NewWriter().Byte(StatusInvalid).Build()
	}
	var reqID [16]byte
	if id, err := uuid.NewRandom(); err == nil {
		copy(reqID[:], id[:])
	}
	result, status := s.submit(&Command{
		Kind: OpLeaveRequest, From: from, To: to, ImageID: imageID,
		RequestedViews: views, RequestID: reqID,
	})
	w := wire.NewWriter().Byte(status)
	switch status {
	case StatusNotLeader:
		return w.String(s.leaderHintAddr()).Build()
	case StatusOK:
		return w.Bytes(result.RequestID[:]).Build()
	default:
		return w.Build()
	}
}

func (s *Server) handleFetchInbox(r *wire.Reader) []byte {
	username := r.String()
	result, status := s.submit(&Command{Kind: OpFetchInbox, Username: username})
	w := wire.NewWriter().Byte(status)
	if status == StatusNotLeader {
		return w.String(s.leaderHintAddr()).Build()
	}
	if result == nil {
		return w.Build()
	}
	w.Uint32(uint32(len(result.Requests)))
	for _, req := range result.Requests {
		w.Bytes(req.RequestID[:]).String(req.From).String(req.To).
			Bytes(req.ImageID[:]).Uint32(req.RequestedViews).Byte(byte(req.Status))
	}
	w.Uint32(uint32(len(result.Updates)))
	for _, u := range result.Updates {
		w.String(u.FromOwner).String(u.TargetUser).Bytes(u.ImageID[:]).
			Uint32(u.NewQuota).Uint64(u.IssuedAt)
	}
	return w.Build()
}

func (s *Server) handleRespond(r *wire.Reader) []byte {
	var reqID [16]byte
	copy(reqID[:], r.Bytes(16))
	accept := r.Byte() == 1
	if err := r.Err(); err != nil {
		return wire.NewWriter().Byte(StatusInvalid).Build()
	}
	_, status := s.submit(&Command{Kind: OpRespond, RequestID: reqID, Accept: accept})
	w := wire.NewWriter().Byte(status)
	if status == StatusNotLeader {
		w.String(s.leaderHintAddr())
	}
	return w.Build()
}

func (s *Server) handlePostPermissionUpdate(r *wire.Reader) []byte {
	owner := r.String()
	viewer := r.String()
	var imageID ImageID
	copy(imageID[:], r.Bytes(16))
	quota := r.Uint32()
	issuedAt := r.Uint64()
	if err := r.Err(); err != nil {
		return wire.NewWriter().Byte(StatusInvalid).Build()
	}
	_, status := s.submit(&Command{
		Kind: OpPostPermissionUpdate, Owner: owner, Viewer: viewer,
		ImageID: imageID, NewQuota: quota, IssuedAt: issuedAt,
	})
	if status == StatusOK {
		go s.tryDirectPush(owner, viewer, imageID, quota, issuedAt)
	}
	w := wire.NewWriter().Byte(status)
	if status == StatusNotLeader {
		w.String(s.leaderHintAddr())
	}
	return w.Build()
}

// staticDialer resolves cluster peer IDs to their configured peer
// addresses, a fixed membership matching §4.1 Cluster's "configured at
// startup" model (no dynamic membership change in scope here).
type staticDialer struct {
	peers map[uint64]string
}

func (d *staticDialer) Addr(peerID uint64) (string, bool) {
	addr, ok := d.peers[peerID]
	return addr, ok
}
