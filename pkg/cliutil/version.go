package cliutil

import (
	"encoding/json"
	"fmt"

	"github.com/p2pshare/core/pkg/buildinfo"
	"github.com/spf13/cobra"
)

// NewVersionCommand reports the build-time version/GitSHA/Go toolchain
// baked into buildinfo via -ldflags, shared by every binary's command tree.
func NewVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "print version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := json.Marshal(map[string]string{
				"version":    buildinfo.Version,
				"git_sha":    buildinfo.GitSHA,
				"build_date": buildinfo.Date,
				"go_version": buildinfo.GoVersion,
			})
			if err != nil {
				return err
			}
			fmt.Printf("%s\n", data)
			return nil
		},
	}
}
