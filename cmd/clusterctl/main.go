// clusterctl issues the cluster CA and per-node certificates consumed by
// directory_server/cloud_worker's optional mutual-TLS mode (pkg/clustertls,
// pkg/pki).
package main

import (
	"os"

	"github.com/p2pshare/core/cmd/clusterctl/app"
	"github.com/p2pshare/core/pkg/log"
)

func main() {
	if err := app.NewCommand().Execute(); err != nil {
		log.Errorf("%+v", err)
		os.Exit(1)
	}
}
