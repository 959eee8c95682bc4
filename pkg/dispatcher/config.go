package dispatcher

import (
	"time"

	"github.com/p2pshare/core/pkg/clustertls"
	"github.com/pkg/errors"
)

// Config configures one cloud_worker process (§6 CLI, §4.2).
type Config struct {
	ServerID uint64

	// ListenAddr serves both the peer-facing encryption request (this
	// worker acting as dispatcher) and the internal worker-to-worker job
	// forward protocol, multiplexed by opcode (§4.2).
	ListenAddr string

	GossipHost string
	GossipPort int
	PeerAddrs  map[uint64]string // ServerID -> ListenAddr, for job forwarding
	Bootstrap  []string          // gossip bootstrap addresses

	PollTimeout time.Duration // §4.2: 200ms poll deadline
	JobDeadline time.Duration // §4.2: 30s default job deadline
	MaxRetries  int           // §4.2: up to 2 retries

	// WorkerSecurity optionally upgrades the job-forwarding listener and
	// outbound forward() dials to mutual TLS (ambient enrichment, see
	// pkg/clustertls). Disabled by default.
	WorkerSecurity clustertls.Config
}

func (c *Config) validate() error {
	if c.ServerID == 0 {
		return errors.New("server_id must be nonzero")
	}
	if c.ListenAddr == "" {
		return errors.New("listen addr required")
	}
	if c.GossipPort == 0 {
		c.GossipPort = DefaultGossipPort
	}
	if c.PollTimeout == 0 {
		c.PollTimeout = 200 * time.Millisecond
	}
	if c.JobDeadline == 0 {
		c.JobDeadline = 30 * time.Second
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 2
	}
	if c.PeerAddrs == nil {
		c.PeerAddrs = make(map[uint64]string)
	}
	c.PeerAddrs[c.ServerID] = c.ListenAddr
	return nil
}
