package transport

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/p2pshare/core/pkg/log"
	"github.com/p2pshare/core/pkg/wire"
	"github.com/pkg/errors"
	"go.uber.org/atomic"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// OpBusy is returned in place of a normal reply when the listener is over
// its connection cap (§5 Resources: "rejects with ServerBusy beyond
// that"). It is not paired with a request opcode, unlike the others.
const OpBusy byte = 0x8F

// DefaultMaxConns is §5's "per-node cap (default 1024 concurrent
// connections)".
const DefaultMaxConns = 1024

// DefaultOpDeadline is §4.4 Cancellation's "per-operation deadline expires
// (30s default)".
const DefaultOpDeadline = 30 * time.Second

// socketBufferSize is §4.4 Framing's socket tuning: 1 MiB send/receive
// buffers on both ends.
const socketBufferSize = 1 << 20

func tuneConn(conn net.Conn) {
	if tc, ok := conn.(*net.TCPConn); ok {
		tc.SetReadBuffer(socketBufferSize)
		tc.SetWriteBuffer(socketBufferSize)
	}
}

// Handler implements the three peer RPCs a transport Server dispatches
// (§4.4 Message types). ImageRequest's actual accept/reject happens later,
// asynchronously, through the directory inbox (§4.4) — Handler only needs
// to record the request and return an ack.
type Handler interface {
	Thumbnail(ctx context.Context, req ThumbnailRequest) (ThumbnailResponse, error)
	ImageRequest(ctx context.Context, req ImageRequest) (ImageAck, error)
	PermissionPush(ctx context.Context, req PermissionPush) (PermissionAck, error)
}

// connTable is the read-mostly username -> live connection mapping from §9
// Design notes: "the connection table is the single source of liveness."
// Critical sections are kept to map operations only, never held across I/O.
type connTable struct {
	mu     sync.RWMutex
	byUser map[string]net.Conn
}

func newConnTable() *connTable {
	return &connTable{byUser: make(map[string]net.Conn)}
}

func (t *connTable) put(username string, conn net.Conn) {
	t.mu.Lock()
	t.byUser[username] = conn
	t.mu.Unlock()
}

func (t *connTable) remove(username string, conn net.Conn) {
	t.mu.Lock()
	if cur, ok := t.byUser[username]; ok && cur == conn {
		delete(t.byUser, username)
	}
	t.mu.Unlock()
}

func (t *connTable) get(username string) (net.Conn, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	c, ok := t.byUser[username]
	return c, ok
}

// Server accepts peer connections and dispatches framed requests to a
// Handler (§4.4). Each accepted connection runs on its own goroutine — the
// natural Go expression of the spec's "cooperative task on a thread pool"
// model (§5): goroutines are cooperatively scheduled onto OS threads by the
// Go runtime, with no blocking call ever pinning a thread for the life of
// a connection.
type Server struct {
	cfg     Config
	handler Handler
	conns   *connTable

	admission *rate.Limiter
	active    atomic.Int64

	ln  net.Listener
	log *zap.Logger
}

// Config configures a transport Server.
type Config struct {
	ListenAddr string
	MaxConns   int
	OpDeadline time.Duration
}

func (c *Config) validate() {
	if c.MaxConns == 0 {
		c.MaxConns = DefaultMaxConns
	}
	if c.OpDeadline == 0 {
		c.OpDeadline = DefaultOpDeadline
	}
}

func NewServer(cfg Config, handler Handler) *Server {
	cfg.validate()
	return &Server{
		cfg:     cfg,
		handler: handler,
		conns:   newConnTable(),
		// Burst admission at twice the steady cap: a reconnect storm after
		// a directory leader change shouldn't be mistaken for overload,
		// but sustained arrivals above MaxConns/sec still throttle.
		admission: rate.NewLimiter(rate.Limit(cfg.MaxConns), cfg.MaxConns*2),
		log:       log.NewLoggerWithLevel("transport", log.Level()),
	}
}

// Run binds the listener and serves connections until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return errors.Wrap(err, "cannot bind peer transport listener")
	}
	s.ln = ln
	s.log.Info("peer transport listening", zap.String("addr", s.cfg.ListenAddr))

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return err
			}
		}
		if s.active.Load() >= int64(s.cfg.MaxConns) || !s.admission.Allow() {
			wire.WriteFrame(conn, []byte{OpBusy})
			conn.Close()
			continue
		}
		tuneConn(conn)
		s.active.Inc()
		go s.handleConn(ctx, conn)
	}
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer s.active.Dec()
	defer conn.Close()

	var identity string
	defer func() {
		if identity != "" {
			s.conns.remove(identity, conn)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		conn.SetDeadline(time.Now().Add(s.cfg.OpDeadline))
		frame, err := wire.ReadFrame(conn)
		if err != nil {
			return
		}
		if len(frame) == 0 {
			return
		}
		opCtx, cancel := context.WithTimeout(ctx, s.cfg.OpDeadline)
		reply, who := s.dispatch(opCtx, frame[0], frame[1:])
		cancel()
		if who != "" {
			identity = who
			s.conns.put(who, conn)
		}
		if reply == nil {
			return
		}
		conn.SetWriteDeadline(time.Now().Add(s.cfg.OpDeadline))
		if err := wire.WriteFrame(conn, reply); err != nil {
			return
		}
	}
}

// dispatch decodes one peer-protocol message and returns the encoded reply
// plus, if the message carried a sender identity, that username for the
// connection table.
func (s *Server) dispatch(ctx context.Context, opcode byte, payload []byte) ([]byte, string) {
	switch opcode {
	case OpThumbnailRequest:
		req, err := decodeThumbnailRequest(payload)
		if err != nil {
			return nil, ""
		}
		resp, err := s.handler.Thumbnail(ctx, req)
		if err != nil {
			s.log.Debug("thumbnail failed", zap.Error(err))
			return nil, ""
		}
		return resp.encode(), ""
	case OpImageRequest:
		req, err := decodeImageRequest(payload)
		if err != nil {
			return nil, ""
		}
		ack, err := s.handler.ImageRequest(ctx, req)
		if err != nil {
			s.log.Debug("image request failed", zap.Error(err))
			return nil, req.From
		}
		return ack.encode(), req.From
	case OpPermissionPush:
		req, err := decodePermissionPush(payload)
		if err != nil {
			return nil, ""
		}
		ack, err := s.handler.PermissionPush(ctx, req)
		if err != nil {
			s.log.Debug("permission push failed", zap.Error(err))
			return nil, req.Owner
		}
		return ack.encode(), req.Owner
	default:
		return nil, ""
	}
}

// Close stops accepting new connections.
func (s *Server) Close() error {
	if s.ln != nil {
		return s.ln.Close()
	}
	return nil
}

// ActiveConns reports the current connection count, used to feed the
// dispatcher's health-score active_connections term (§4.2) when a cloud
// worker also runs a transport listener for its own peer traffic.
func (s *Server) ActiveConns() int64 {
	return s.active.Load()
}
