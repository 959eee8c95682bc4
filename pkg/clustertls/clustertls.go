// Package clustertls optionally upgrades the framed-TCP listeners used by
// the directory and dispatcher clusters to mutual TLS, using certificates
// issued by pkg/pki's self-signed cluster CA. Disabled by default: the
// wire protocol is unchanged either way, only the socket layer differs
// (see DESIGN.md's clustertls section).
package clustertls

import (
	"crypto/tls"
	"crypto/x509"
	"io/ioutil"

	"github.com/pkg/errors"
)

// Config names the PEM files issued for one node: its own cert/key plus the
// cluster CA certificate used to verify peers, mirroring the shape of the
// teacher's client.SecurityConfig (CertFile/KeyFile/TrustedCAFile) without
// depending on go.etcd.io/etcd/pkg/transport, which this module's stack does
// not otherwise pull in (see DESIGN.md).
type Config struct {
	CertFile      string
	KeyFile       string
	TrustedCAFile string
}

// Enabled reports whether TLS should be used at all.
func (c Config) Enabled() bool {
	return c.CertFile != "" && c.KeyFile != ""
}

func (c Config) caPool() (*x509.CertPool, error) {
	if c.TrustedCAFile == "" {
		return nil, nil
	}
	pem, err := ioutil.ReadFile(c.TrustedCAFile)
	if err != nil {
		return nil, errors.Wrap(err, "cannot read trusted CA file")
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, errors.New("cannot parse trusted CA file")
	}
	return pool, nil
}

// ServerTLSConfig builds a *tls.Config for a listener: always presents
// CertFile/KeyFile, and requires+verifies client certs against
// TrustedCAFile when set (mutual TLS), matching the cluster-internal
// peer/server profiles pki.RootCA issues.
func (c Config) ServerTLSConfig() (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(c.CertFile, c.KeyFile)
	if err != nil {
		return nil, errors.Wrap(err, "cannot load node certificate")
	}
	pool, err := c.caPool()
	if err != nil {
		return nil, err
	}
	cfg := &tls.Config{Certificates: []tls.Certificate{cert}}
	if pool != nil {
		cfg.ClientCAs = pool
		cfg.ClientAuth = tls.RequireAndVerifyClientCert
	}
	return cfg, nil
}

// ClientTLSConfig builds a *tls.Config for dialing another cluster node.
func (c Config) ClientTLSConfig() (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(c.CertFile, c.KeyFile)
	if err != nil {
		return nil, errors.Wrap(err, "cannot load node certificate")
	}
	pool, err := c.caPool()
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		RootCAs:      pool,
	}, nil
}
