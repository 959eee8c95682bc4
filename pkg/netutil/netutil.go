// Package netutil collects small address-handling helpers shared by the
// directory, dispatcher and transport packages.
package netutil

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// IsRoutableIPv4 reports whether s parses as an IPv4 address that is
// reachable from outside this host (not loopback, not unspecified).
func IsRoutableIPv4(s string) bool {
	ip := net.ParseIP(s)
	return ip.To4() != nil && !ip.IsLoopback() && !ip.IsUnspecified()
}

// DetectHostIPv4 finds the first non-loopback interface with an IPv4
// address, used when a node is configured to listen on an unspecified
// address but needs to advertise something concrete to peers.
func DetectHostIPv4() (string, error) {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return "", errors.WithStack(err)
	}
	for _, a := range addrs {
		ipnet, ok := a.(*net.IPNet)
		if !ok || ipnet.IP.IsLoopback() || ipnet.IP.To4() == nil {
			continue
		}
		return ipnet.IP.String(), nil
	}
	return "", errors.New("cannot detect host IPv4 address")
}

func SplitHostPort(addr string) (string, int, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return "", 0, err
	}
	p, err := strconv.Atoi(port)
	if err != nil {
		return "", 0, err
	}
	return host, p, nil
}

// Address is a resolved host/port pair, used wherever a peer address (p2p
// address, directory peer address, gossip address) needs to be passed
// around as a value rather than a raw string.
type Address struct {
	Host string
	Port int
}

func (a Address) String() string {
	return fmt.Sprintf("%s:%d", a.Host, a.Port)
}

func (a Address) IsUnspecified() bool {
	return net.ParseIP(a.Host).IsUnspecified()
}

func ParseAddr(addr string) (Address, error) {
	host, port, err := SplitHostPort(addr)
	if err != nil {
		return Address{}, err
	}
	return Address{host, port}, nil
}

// FixUnspecifiedHostAddr rewrites an addr whose host portion is unspecified
// (0.0.0.0) with the detected routable host IPv4 address, so it can be
// advertised to other nodes.
func FixUnspecifiedHostAddr(addr string) (string, error) {
	addr = strings.TrimPrefix(addr, "tcp://")
	host, port, err := SplitHostPort(addr)
	if err != nil {
		return addr, err
	}
	if !net.ParseIP(host).IsUnspecified() {
		return addr, nil
	}
	host, err = DetectHostIPv4()
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s:%d", host, port), nil
}

// Backoff implements §7's transient-network retry schedule: base 100ms,
// factor 2, cap 5s, max 5 attempts. fn is retried as long as it returns a
// non-nil error and attempts remain; ctx cancellation aborts the wait.
func Backoff(ctx context.Context, fn func() error) error {
	const (
		base       = 100 * time.Millisecond
		factor     = 2
		maxDelay   = 5 * time.Second
		maxAttempt = 5
	)
	var err error
	delay := base
	for attempt := 1; attempt <= maxAttempt; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		if attempt == maxAttempt {
			break
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
		delay *= factor
		if delay > maxDelay {
			delay = maxDelay
		}
	}
	return err
}
