// Package authctl is the operator CLI: it serves an application and carries
// the key, message and traffic helpers used around a deployment.
package authctl

import (
	"github.com/spf13/cobra"

	"github.com/sandeepkv93/unified-auth-sync/internal/tools/common"
)

type rootOptions struct {
	envFile string
	ci      bool
}

func NewRootCommand() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:           "authsync",
		Short:         "Unified auth and cross-app session sync",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return common.LoadEnvFile(opts.envFile)
		},
	}
	cmd.PersistentFlags().StringVar(&opts.envFile, "env-file", ".env", "env file exported before loading config")
	cmd.PersistentFlags().BoolVar(&opts.ci, "ci", false, "non-interactive machine-readable output")

	cmd.AddCommand(
		newServeCommand(opts),
		newSeedUserCommand(),
		newKeygenCommand(),
		newEncryptCommand(),
		newDecryptCommand(),
		newSignCommand(),
		newVerifyCommand(),
		newLoadgenCommand(opts),
		newSyncCheckCommand(opts),
	)
	return cmd
}
