// Package app wires the cloud_worker CLI: cobra command tree, §6
// Environment overrides, and the `<port> <server_id> [peer_addr ...]`
// positional contract (§4.2, §6 CLI).
package app

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/p2pshare/core/pkg/cliutil"
	"github.com/p2pshare/core/pkg/discovery"
	"github.com/p2pshare/core/pkg/dispatcher"
	"github.com/p2pshare/core/pkg/envutil"
	"github.com/p2pshare/core/pkg/log"
	"github.com/p2pshare/core/pkg/netutil"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

type envConfig struct {
	LogLevel string `env:"log_level"`

	// CloudProvider selects a discovery.PeerGetter that resolves sibling
	// worker addresses when the CLI is given no peer_addr arguments
	// (§4.2's cluster has no other bootstrap mechanism besides the
	// positional list; this is an ambient convenience for cloud
	// deployments, mirroring the teacher's --provider flag).
	CloudProvider string `env:"cloud_provider"`
	AWSTagKey     string `env:"aws_tag_key"`
	AWSTagValue   string `env:"aws_tag_value"`
	DOTagValue    string `env:"do_tag_value"`
}

func NewCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "cloud_worker <port> <server_id> [peer_addr ...]",
		Short:         "run one node of the cloud encryption worker cluster",
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

// Run executes the command tree and returns the §6 process exit code.
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

type configError struct{ err error }

func (e *configError) Error() string { return e.err.Error() }

func runCmd(args []string) error {
	port, serverID, peerArgs, err := cliutil.ParsePositional(args)
	if err != nil {
		return &configError{err: err}
	}

	cfg := dispatcher.Config{
		ServerID:   serverID,
		ListenAddr: fmt.Sprintf(":%d", port),
		GossipHost: "0.0.0.0",
		PeerAddrs:  map[uint64]string{},
	}
	var bootstrap []string
	for _, arg := range peerArgs {
		id, addr, err := parsePeerArg(arg)
		if err != nil {
			return &configError{err: err}
		}
		cfg.PeerAddrs[id] = addr
		// The gossip layer binds its own port (DefaultGossipPort)
		// alongside the job-forwarding listener; bootstrap against that
		// port on the same host rather than the listen addr itself.
		host, _, err := netutil.SplitHostPort(addr)
		if err != nil {
			return &configError{err: errors.Wrapf(err, "invalid peer addr %q", addr)}
		}
		bootstrap = append(bootstrap, fmt.Sprintf("%s:%d", host, dispatcher.DefaultGossipPort))
	}
	cfg.Bootstrap = bootstrap

	var env envConfig
	if err := envutil.SetEnvs(&env); err != nil {
		return &configError{err: err}
	}
	log.SetLevel(log.ParseLevel(env.LogLevel))

	// User-provided peer_addr arguments always take precedence; cloud
	// discovery only fills in the gossip bootstrap list when the CLI was
	// given none (mirrors the teacher's run.go provider switch).
	if len(cfg.Bootstrap) == 0 && env.CloudProvider != "" {
		addrs, err := discoverBootstrapAddrs(env)
		if err != nil {
			return &configError{err: errors.Wrap(err, "cloud discovery failed")}
		}
		for _, addr := range addrs {
			cfg.Bootstrap = append(cfg.Bootstrap, fmt.Sprintf("%s:%d", addr, dispatcher.DefaultGossipPort))
		}
		log.Debugf("cloud provided addresses: %v", cfg.Bootstrap)
	}

	worker, err := dispatcher.NewWorker(cfg)
	if err != nil {
		return errors.Wrap(err, "cannot construct cloud worker")
	}
	defer worker.Close()

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()
	defer signal.Stop(sigCh)

	return worker.Run(ctx)
}

// discoverBootstrapAddrs resolves the configured cloud provider to a
// discovery.PeerGetter and returns sibling worker addresses (§4.2 ambient
// bootstrap enrichment; the teacher's cmd/e2d/app/run.go applies the same
// provider switch to etcd peer discovery).
func discoverBootstrapAddrs(env envConfig) ([]string, error) {
	var getter discovery.PeerGetter
	var err error
	switch strings.ToLower(env.CloudProvider) {
	case "aws":
		if env.AWSTagKey != "" {
			getter, err = discovery.NewInstanceTagGetter([]discovery.KeyValue{{Key: env.AWSTagKey, Value: env.AWSTagValue}})
		} else {
			getter, err = discovery.NewAutoScalingGroupGetter()
		}
	case "do", "digitalocean":
		getter, err = discovery.NewDigitalOceanGetter(&discovery.DigitalOceanConfig{TagValue: env.DOTagValue})
	default:
		return nil, errors.Errorf("unknown cloud provider %q", env.CloudProvider)
	}
	if err != nil {
		return nil, err
	}
	return getter.GetAddrs(context.Background())
}

// parsePeerArg parses a `<server_id>@<host>:<port>` peer argument, the
// same shape directory_server uses for its peer_addr positionals.
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
