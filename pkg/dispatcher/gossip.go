package dispatcher

import (
	"bytes"
	"encoding/gob"
	"fmt"
	stdlog "log"
	"sync"
	"time"

	"github.com/hashicorp/memberlist"
	"github.com/p2pshare/core/pkg/log"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// DefaultGossipPort mirrors the teacher's gossip network default.
const DefaultGossipPort = 7981

// memberlistLogWriter adapts memberlist's stdlib *log.Logger onto zap, the
// same bridge the teacher's gossip layer uses.
type memberlistLogWriter struct{ l *zap.Logger }

func (w *memberlistLogWriter) Write(p []byte) (int, error) {
	w.l.Debug(string(bytes.TrimRight(p, "\n")))
	return len(p), nil
}

// gossipMsg is the payload broadcast on every HealthTuple update, reusing
// the teacher's gob-over-memberlist-Broadcast approach.
type gossipMsg struct {
	Tuple HealthTuple
}

type broadcast struct{ data []byte }

func (b *broadcast) Invalidates(memberlist.Broadcast) bool { return false }
func (b *broadcast) Message() []byte                       { return b.data }
func (b *broadcast) Finished()                             {}

// Gossip broadcasts this worker's HealthTuple every second and keeps the
// last-known tuple for every peer, the role `pkg/manager/gossip.go` plays
// for cluster membership, retargeted here at health scores (§4.2).
type Gossip struct {
	serverID uint64
	ml       *memberlist.Memberlist
	bcasts   *memberlist.TransmitLimitedQueue

	mu      sync.RWMutex
	tuples  map[uint64]HealthTuple
	seenAt  map[uint64]time.Time
	current HealthTuple
}

func NewGossip(serverID uint64, bindHost string, bindPort int) (*Gossip, error) {
	c := memberlist.DefaultLANConfig()
	c.Name = addrName(serverID)
	c.BindAddr = bindHost
	c.BindPort = bindPort
	c.Logger = stdlog.New(&memberlistLogWriter{log.NewLoggerWithLevel("memberlist", zapcore.InfoLevel)}, "", 0)

	g := &Gossip{
		serverID: serverID,
		tuples:   make(map[uint64]HealthTuple),
		seenAt:   make(map[uint64]time.Time),
	}
	g.bcasts = &memberlist.TransmitLimitedQueue{
		NumNodes:       func() int { return g.ml.NumMembers() },
		RetransmitMult: 3,
	}
	c.Delegate = g

	ml, err := memberlist.Create(c)
	if err != nil {
		return nil, errors.Wrap(err, "cannot start gossip layer")
	}
	g.ml = ml
	return g, nil
}

func addrName(serverID uint64) string {
	return fmt.Sprintf("worker-%d", serverID)
}

func (g *Gossip) Join(addrs []string) error {
	if len(addrs) == 0 {
		return nil
	}
	n, err := g.ml.Join(addrs)
	if n == 0 && err != nil {
		return errors.Wrap(err, "cannot join gossip network")
	}
	return nil
}

func (g *Gossip) Shutdown() error {
	return g.ml.Shutdown()
}

// Publish broadcasts a fresh HealthTuple (§4.2: "once per second").
func (g *Gossip) Publish(t HealthTuple) {
	g.mu.Lock()
	g.current = t
	g.tuples[g.serverID] = t
	g.seenAt[g.serverID] = time.Now()
	g.mu.Unlock()

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(gossipMsg{Tuple: t}); err != nil {
		return
	}
	g.bcasts.QueueBroadcast(&broadcast{data: buf.Bytes()})
}

// Run publishes fn's result once a second until stop is closed.
func (g *Gossip) Run(stop <-chan struct{}, fn func() HealthTuple) {
	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			g.Publish(fn())
		case <-stop:
			return
		}
	}
}

// Tuple returns the last-known tuple for peerID and how long ago it was
// seen, used by the dispatcher's 200ms poll deadline logic (§4.2).
func (g *Gossip) Tuple(peerID uint64) (HealthTuple, time.Duration, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	t, ok := g.tuples[peerID]
	if !ok {
		return HealthTuple{}, 0, false
	}
	return t, time.Since(g.seenAt[peerID]), true
}

// KnownPeers returns every ServerID this node has ever heard a tuple from,
// excluding itself.
func (g *Gossip) KnownPeers() []uint64 {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]uint64, 0, len(g.tuples))
	for id := range g.tuples {
		if id != g.serverID {
			out = append(out, id)
		}
	}
	return out
}

func (g *Gossip) NodeMeta(limit int) []byte { return nil }

func (g *Gossip) NotifyMsg(data []byte) {
	if len(data) == 0 {
		return
	}
	var m gossipMsg
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&m); err != nil {
		return
	}
	g.mu.Lock()
	g.tuples[m.Tuple.ServerID] = m.Tuple
	g.seenAt[m.Tuple.ServerID] = time.Now()
	g.mu.Unlock()
}

func (g *Gossip) GetBroadcasts(overhead, limit int) [][]byte {
	return g.bcasts.GetBroadcasts(overhead, limit)
}

func (g *Gossip) LocalState(join bool) []byte { return nil }

func (g *Gossip) MergeRemoteState(buf []byte, join bool) {}
