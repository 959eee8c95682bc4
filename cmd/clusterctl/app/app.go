// Package app implements clusterctl's pki command tree: initializing a
// self-signed cluster CA and issuing the server/peer/client certificates
// pkg/clustertls loads for directory and dispatcher nodes.
package app

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/cloudflare/cfssl/csr"
	"github.com/p2pshare/core/pkg/cliutil"
	"github.com/p2pshare/core/pkg/log"
	"github.com/p2pshare/core/pkg/netutil"
	"github.com/p2pshare/core/pkg/pki"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

// NewCommand builds the clusterctl root command.
func NewCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "clusterctl",
		Short:         "manage the p2pshare cluster CA and node certificates",
		SilenceErrors: true,
		SilenceUsage:  true,
	}
	root.AddCommand(newPKICommand())
	root.AddCommand(cliutil.NewVersionCommand())
	return root
}

func newPKICommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pki",
		Short: "manage the cluster CA",
	}
	var caCert, caKey string
	cmd.PersistentFlags().StringVar(&caCert, "ca-cert", "ca.crt", "cluster CA certificate path")
	cmd.PersistentFlags().StringVar(&caKey, "ca-key", "ca.key", "cluster CA private key path")

	cmd.AddCommand(newPKIInitCommand(&caCert, &caKey))
	cmd.AddCommand(newPKIGenCertsCommand(&caCert, &caKey))
	return cmd
}

func newPKIInitCommand(caCert, caKey *string) *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "generate a new self-signed cluster CA",
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := pki.NewDefaultRootCA()
			if err != nil {
				return errors.Wrap(err, "cannot generate cluster CA")
			}
			if err := writeFile(*caCert, r.CA.CertPEM, 0o644); err != nil {
				return err
			}
			if err := writeFile(*caKey, r.CA.KeyPEM, 0o600); err != nil {
				return err
			}
			log.Infof("wrote cluster CA to %s, %s", *caCert, *caKey)
			return nil
		},
	}
}

func newPKIGenCertsCommand(caCert, caKey *string) *cobra.Command {
	var hosts, outputDir, profile, commonName string
	cmd := &cobra.Command{
		Use:   "gencerts",
		Short: "issue a server/peer/client certificate signed by the cluster CA",
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := pki.NewRootCAFromFile(*caCert, *caKey)
			if err != nil {
				return errors.Wrap(err, "cannot load cluster CA")
			}
			var hostList []string
			if hosts != "" {
				hostList = strings.Split(hosts, ",")
			}
			if profile != pki.ClientSigningProfile {
				hostIP, err := netutil.DetectHostIPv4()
				if err != nil {
					return errors.Wrap(err, "cannot detect host address")
				}
				hostList = append([]string{"127.0.0.1", hostIP}, hostList...)
			}
			certs, err := r.GenerateCertificates(profile, newCertificateRequest(commonName, hostList...))
			if err != nil {
				return errors.Wrapf(err, "cannot issue %s certificate", profile)
			}
			if outputDir != "" {
				if err := os.MkdirAll(outputDir, 0o755); err != nil {
					return err
				}
			}
			if err := writeFile(filepath.Join(outputDir, profile+".crt"), certs.CertPEM, 0o644); err != nil {
				return err
			}
			if err := writeFile(filepath.Join(outputDir, profile+".key"), certs.KeyPEM, 0o600); err != nil {
				return err
			}
			log.Infof("issued %s certificate in %s", profile, outputDir)
			return nil
		},
	}
	cmd.Flags().StringVar(&hosts, "hosts", "", "comma-separated extra SAN hosts")
	cmd.Flags().StringVar(&outputDir, "output-dir", ".", "directory to write the cert/key pair into")
	cmd.Flags().StringVar(&profile, "profile", pki.ServerSigningProfile, "signing profile: server, peer, or client")
	cmd.Flags().StringVar(&commonName, "common-name", "p2pshare-node", "certificate common name")
	return cmd
}

func newCertificateRequest(commonName string, hosts ...string) *csr.CertificateRequest {
	return &csr.CertificateRequest{
		Names: []csr.Name{
			{C: "US", ST: "Boston", L: "MA"},
		},
		KeyRequest: &csr.BasicKeyRequest{A: "rsa", S: 2048},
		Hosts:      hosts,
		CN:         commonName,
	}
}

func writeFile(path string, data []byte, perm os.FileMode) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return os.WriteFile(path, data, perm)
}
