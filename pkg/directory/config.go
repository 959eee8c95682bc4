package directory

import (
	"fmt"
	"time"

	"github.com/p2pshare/core/pkg/clustertls"
	"github.com/p2pshare/core/pkg/netutil"
	"github.com/pkg/errors"
)

// Config configures one directory node (§4.1 Cluster, §6 CLI/Environment).
// Mirrors the teacher's Config-with-validate() shape.
type Config struct {
	ServerID uint64

	// ClientAddr serves the client protocol (§6 opcodes 0x01-0x08).
	ClientAddr string

	// PeerAddr serves the cluster protocol (§6 opcodes 0x20-0x2F).
	PeerAddr string

	// PeerAddrs maps every other cluster member's ServerID to its
	// PeerAddr, supplied via the CLI's positional peer_addr arguments.
	PeerAddrs map[uint64]string

	DataDir string

	SnapshotInterval time.Duration

	// SnapshotBackup optionally mirrors state.json to S3/Spaces (ambient
	// enrichment, see pkg/snapshot).
	SnapshotBackupURL string

	// SnapshotCompression gzips the backup copy of state.json before it
	// leaves the node (ambient enrichment, see pkg/snapshot/util).
	SnapshotCompression bool

	// SnapshotEncryptionKey, if set, encrypts the backup copy of
	// state.json (ambient enrichment, see pkg/snapshot/crypto). The local
	// state.json/log.bin pair on disk is never encrypted; only the
	// off-node backup copy is.
	SnapshotEncryptionKey *[32]byte

	// DirectorySecurity optionally upgrades both listeners to mutual TLS
	// (ambient enrichment, see pkg/clustertls). Disabled by default.
	DirectorySecurity clustertls.Config

	clientAddrByID map[uint64]string
}

func (c *Config) validate() error {
	if c.ServerID == 0 {
		return errors.New("server_id must be nonzero")
	}
	if c.ClientAddr == "" {
		return errors.New("client addr required")
	}
	if c.PeerAddr == "" {
		return errors.New("peer addr required")
	}
	addr, err := netutil.FixUnspecifiedHostAddr(c.ClientAddr)
	if err != nil {
		return errors.Wrapf(err, "invalid client addr %#v", c.ClientAddr)
	}
	c.ClientAddr = addr
	if c.DataDir == "" {
		c.DataDir = fmt.Sprintf("./data/%d", c.ServerID)
	}
	if c.SnapshotInterval == 0 {
		c.SnapshotInterval = 5 * time.Minute
	}
	if c.PeerAddrs == nil {
		c.PeerAddrs = make(map[uint64]string)
	}
	c.PeerAddrs[c.ServerID] = c.PeerAddr
	return nil
}

// AllServerIDs returns every member's ServerID including this node's own,
// the fixed membership raft.Node needs (§4.1 Cluster).
func (c *Config) AllServerIDs() []uint64 {
	ids := make([]uint64, 0, len(c.PeerAddrs))
	for id := range c.PeerAddrs {
		ids = append(ids, id)
	}
	return ids
}

// SetClientAddrByID records the client-facing address for a peer so
// NotLeader replies can carry a dialable leader_hint (§6). Populated by the
// CLI from the same peer_addr arguments used for PeerAddrs, since the spec
// treats <port> positionally for both roles on one host in the reference
// deployment.
func (c *Config) SetClientAddrByID(id uint64, addr string) {
	if c.clientAddrByID == nil {
		c.clientAddrByID = make(map[uint64]string)
	}
	c.clientAddrByID[id] = addr
}
