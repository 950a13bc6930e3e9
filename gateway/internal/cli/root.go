package cli

import "github.com/spf13/cobra"

// NewRootCommand assembles the gateway command tree.
func NewRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "gateway",
		Short:         "Prepare a public host to accept agent reverse tunnels",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().BoolP(FlagVerbose, "v", false, "log to stderr at the configured level")

	root.AddCommand(
		NewSetupCommand(),
		NewUninstallCommand(),
		NewAuthorizeAgentCommand(),
		NewRevokeAgentCommand(),
		NewStatusCommand(),
	)
	return root
}
