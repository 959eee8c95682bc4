// directory_server runs one member of the replicated directory cluster
// (§4.1, §6 CLI).
package main

import (
	"os"

	"github.com/p2pshare/core/cmd/directory_server/app"
	"github.com/p2pshare/core/pkg/log"
)

func main() {
	code := app.Run(os.Args[1:])
	if code != 0 {
		log.Errorf("directory_server exiting with code %d", code)
	}
	os.Exit(code)
}
