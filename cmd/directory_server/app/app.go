// Package app wires the directory_server CLI: cobra command tree, §6
// Environment overrides, and the `<port> <server_id> [peer_addr ...]`
// positional contract.
package app

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/p2pshare/core/pkg/cliutil"
	"github.com/p2pshare/core/pkg/clustertls"
	"github.com/p2pshare/core/pkg/directory"
	"github.com/p2pshare/core/pkg/envutil"
	"github.com/p2pshare/core/pkg/log"
	"github.com/p2pshare/core/pkg/netutil"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

// peerPortOffset offsets a node's client-facing <port> to derive the
// cluster (raft) protocol port it also listens on, since §6's CLI supplies
// only one port per node but §4.1 Cluster needs a distinct client/peer
// listener split.
const peerPortOffset = 1000

type envConfig struct {
	DataDir           string `env:"data_dir"`
	LogLevel          string `env:"log_level"`
	SnapshotBackupURL string `env:"snapshot_backup_url"`

	// SnapshotCompression and SnapshotEncryptionKey condition the optional
	// remote backup copy of state.json (never the local copy raft.FileStorage
	// owns). SnapshotEncryptionKey is a 64-character hex string decoding to
	// 32 bytes, matching the teacher's --snapshot-encryption-key flag shape.
	SnapshotCompression   bool   `env:"snapshot_compression"`
	SnapshotEncryptionKey string `env:"snapshot_encryption_key"`

	CertFile      string `env:"cert_file"`
	KeyFile       string `env:"key_file"`
	TrustedCAFile string `env:"trusted_ca_file"`
}

// NewCommand builds the root cobra command for directory_server.
func NewCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "directory_server <port> <server_id> [peer_addr ...]",
		Short:         "run one node of the replicated directory cluster",
		Args:          cobra.MinimumNArgs(2),
		SilenceErrors: true,
		SilenceUsage:  true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCmd(args)
		},
	}
	cmd.AddCommand(cliutil.NewVersionCommand())
	return cmd
}

// Run executes the command tree and returns the §6 process exit code,
// rather than calling os.Exit itself, so main can log before exiting.
func Run(args []string) int {
	root := NewCommand()
	root.SetArgs(args)
	if err := root.Execute(); err != nil {
		if ce, ok := err.(*configError); ok {
			log.Errorf("%+v", ce.err)
			return cliutil.ExitConfigError
		}
		log.Errorf("%+v", err)
		return cliutil.ClassifyStartupErr(err)
	}
	return cliutil.ExitOK
}

// configError marks an error as a §6 "config error" (exit 1)
// rather than a bind or persistence failure.
type configError struct{ err error }

func (e *configError) Error() string { return e.err.Error() }

func runCmd(args []string) error {
	port, serverID, peerArgs, err := cliutil.ParsePositional(args)
	if err != nil {
		return &configError{err: err}
	}

	cfg := &directory.Config{
		ServerID:   serverID,
		ClientAddr: fmt.Sprintf(":%d", port),
		PeerAddr:   fmt.Sprintf(":%d", port+peerPortOffset),
		PeerAddrs:  map[uint64]string{},
	}
	for _, arg := range peerArgs {
		id, addr, err := parsePeerArg(arg)
		if err != nil {
			return &configError{err: err}
		}
		host, clientPort, err := netutil.SplitHostPort(addr)
		if err != nil {
			return &configError{err: errors.Wrapf(err, "invalid peer addr %q", addr)}
		}
		cfg.PeerAddrs[id] = fmt.Sprintf("%s:%d", host, clientPort+peerPortOffset)
		cfg.SetClientAddrByID(id, addr)
	}
	cfg.SetClientAddrByID(serverID, fmt.Sprintf("127.0.0.1:%d", port))

	var env envConfig
	if err := envutil.SetEnvs(&env); err != nil {
		return &configError{err: err}
	}
	if env.DataDir != "" {
		cfg.DataDir = env.DataDir
	}
	cfg.SnapshotBackupURL = env.SnapshotBackupURL
	cfg.SnapshotCompression = env.SnapshotCompression
	if env.SnapshotEncryptionKey != "" {
		key, err := parseSnapshotEncryptionKey(env.SnapshotEncryptionKey)
		if err != nil {
			return &configError{err: err}
		}
		cfg.SnapshotEncryptionKey = key
	}
	cfg.DirectorySecurity = clustertls.Config{
		CertFile:      env.CertFile,
		KeyFile:       env.KeyFile,
		TrustedCAFile: env.TrustedCAFile,
	}
	log.SetLevel(log.ParseLevel(env.LogLevel))

	server, err := directory.NewServer(cfg)
	if err != nil {
		return errors.Wrap(err, "cannot construct directory server")
	}

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()
	defer signal.Stop(sigCh)

	return server.Run(ctx)
}

// parseSnapshotEncryptionKey decodes a 64-character hex string into the
// 32-byte key pkg/snapshot/crypto expects.
func parseSnapshotEncryptionKey(s string) (*[32]byte, error) {
	raw, err := hex.DecodeString(s)
	if err != nil {
		return nil, errors.Wrap(err, "invalid snapshot encryption key")
	}
	if len(raw) != 32 {
		return nil, errors.Errorf("snapshot encryption key must be 32 bytes, got %d", len(raw))
	}
	var key [32]byte
	copy(key[:], raw)
	return &key, nil
}

// parsePeerArg parses a `<server_id>@<host>:<port>` peer argument. The
// bare `<host>:<port>` form used elsewhere in the deployment reference
// cannot carry a server id, so peer_addr arguments to this binary are
// id-prefixed.
func parsePeerArg(arg string) (uint64, string, error) {
	parts := strings.SplitN(arg, "@", 2)
	if len(parts) != 2 {
		return 0, "", errors.Errorf("peer_addr %q must be <server_id>@<host>:<port>", arg)
	}
	id, err := strconv.ParseUint(parts[0], 10, 64)
	if err != nil {
		return 0, "", errors.Wrapf(err, "invalid peer server_id in %q", arg)
	}
	return id, parts[1], nil
}
