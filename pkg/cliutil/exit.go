// Package cliutil holds the small pieces shared by the directory_server
// and cloud_worker command trees: positional-argument parsing for the §6
// CLI shape (`<port> <server_id> [peer_addr ...]`) and the §6 exit code
// contract.
package cliutil

import (
	stderrors "errors"
	"net"
	"strconv"

	"github.com/pkg/errors"
)

// Exit codes from §6 CLI: "0 clean shutdown, 1 config error, 2 bind
// failure, 3 fatal persistence error."
const (
	ExitOK          = 0
	ExitConfigError = 1
	ExitBindFailure = 2
	ExitPersistence = 3
)

// ClassifyStartupErr maps an error returned while standing up a server to
// one of §6's non-zero exit codes.
func ClassifyStartupErr(err error) int {
	if err == nil {
		return ExitOK
	}
	var netErr *net.OpError
	if stderrors.As(err, &netErr) {
		return ExitBindFailure
	}
	return ExitPersistence
}

// ParsePositional parses the `<port> <server_id> [peer_addr ...]`
// positional arguments shared by both binaries (§6 CLI). Each entry in
// peerAddrs is a raw `<server_id>@<host>:<port>` token; callers parse it
// further with their own parsePeerArg.
func ParsePositional(args []string) (port int, serverID uint64, peerAddrs []string, err error) {
	if len(args) < 2 {
		return 0, 0, nil, errors.New("usage: <port> <server_id> [peer_addr ...]")
	}
	port, err = strconv.Atoi(args[0])
	if err != nil {
		return 0, 0, nil, errors.Wrap(err, "invalid port")
	}
	serverID, err = strconv.ParseUint(args[1], 10, 64)
	if err != nil {
		return 0, 0, nil, errors.Wrap(err, "invalid server_id")
	}
	if serverID == 0 {
		return 0, 0, nil, errors.New("server_id must be nonzero")
	}
	peerAddrs = args[2:]
	return port, serverID, peerAddrs, nil
}
