package discovery

import (
	"context"
	"os"

	workerdo "github.com/p2pshare/core/internal/provider/digitalocean"
)

// DigitalOceanConfig selects the droplet tag that identifies sibling
// cloud-worker instances.
type DigitalOceanConfig struct {
	TagValue string
}

type DigitalOceanGetter struct {
	*workerdo.Client
	cfg *DigitalOceanConfig
}

func NewDigitalOceanGetter(cfg *DigitalOceanConfig) (*DigitalOceanGetter, error) {
	client, err := workerdo.NewClient(&workerdo.Config{
		AccessToken:     os.Getenv("DO_ACCESS_TOKEN"),
		SpacesAccessKey: os.Getenv("DO_SPACES_ACCESS_KEY"),
		SpacesSecretKey: os.Getenv("DO_SPACES_SECRET_KEY"),
	})
	if err != nil {
		return nil, err
	}
	return &DigitalOceanGetter{Client: client, cfg: cfg}, nil
}

func (g *DigitalOceanGetter) GetAddrs(ctx context.Context) ([]string, error) {
	return g.GetAddrsByTag(ctx, g.cfg.TagValue)
}
