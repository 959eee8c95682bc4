// Package discovery locates sibling cloud-worker addresses when a worker is
// started without an explicit peer list, by querying the cloud provider it
// runs on. It is optional: the dispatcher/worker cluster's normal bootstrap
// path is the static peer_addr list given on the command line (§6), the same
// way the directory cluster's membership is fixed at startup.
package discovery

import "context"

// PeerGetter returns the addresses of sibling workers.
type PeerGetter interface {
	GetAddrs(context.Context) ([]string, error)
}

// NoopGetter never discovers any peers; it is the default when no cloud
// provider is configured.
type NoopGetter struct{}

func (NoopGetter) GetAddrs(ctx context.Context) ([]string, error) {
	return nil, nil
}

// KeyValue is an instance tag filter used by the AWS instance-tag getter.
type KeyValue struct {
	Key, Value string
}
