package discovery

import (
	"context"

	"github.com/pkg/errors"

	workeraws "github.com/p2pshare/core/internal/provider/aws"
)

// AutoScalingGroupGetter discovers sibling workers belonging to the same
// Auto Scaling group as the running instance.
type AutoScalingGroupGetter struct {
	*workeraws.Client
}

func NewAutoScalingGroupGetter() (*AutoScalingGroupGetter, error) {
	cfg, err := workeraws.NewConfig()
	if err != nil {
		return nil, err
	}
	client, err := workeraws.NewClient(cfg)
	if err != nil {
		return nil, err
	}
	return &AutoScalingGroupGetter{client}, nil
}

func (g *AutoScalingGroupGetter) GetAddrs(ctx context.Context) ([]string, error) {
	return g.GetAutoScalingGroupAddresses(ctx)
}

// InstanceTagGetter discovers sibling workers by a shared EC2 instance tag,
// used when workers are not managed by a single Auto Scaling group.
type InstanceTagGetter struct {
	*workeraws.Client
	tags map[string]string
}

func NewInstanceTagGetter(kvs []KeyValue) (*InstanceTagGetter, error) {
	if len(kvs) == 0 {
		return nil, errors.New("must provide at least 1 tag key/value")
	}
	cfg, err := workeraws.NewConfig()
	if err != nil {
		return nil, err
	}
	client, err := workeraws.NewClient(cfg)
	if err != nil {
		return nil, err
	}
	tags := make(map[string]string, len(kvs))
	for _, kv := range kvs {
		tags[kv.Key] = kv.Value
	}
	return &InstanceTagGetter{Client: client, tags: tags}, nil
}

func (g *InstanceTagGetter) GetAddrs(ctx context.Context) ([]string, error) {
	return g.GetAddressesByTag(ctx, g.tags)
}
