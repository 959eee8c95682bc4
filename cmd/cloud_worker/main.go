// cloud_worker runs one member of the dispatcher/encryption worker
// cluster (§4.2, §6 CLI).
package main

import (
	"os"

	"github.com/p2pshare/core/cmd/cloud_worker/app"
	"github.com/p2pshare/core/pkg/log"
)

func main() {
	code := app.Run(os.Args[1:])
	if code != 0 {
		log.Errorf("cloud_worker exiting with code %d", code)
	}
	os.Exit(code)
}
