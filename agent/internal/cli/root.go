package cli

import (
	"github.com/spf13/cobra"
)

// NewRootCommand assembles the agent command tree.
func NewRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "agent",
		Short:         "Keep reverse ssh tunnels to a gateway up and manage client keys",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().String(FlagConfig, "", "config file (default /etc/nat-tunnel/agent.yaml)")
	root.PersistentFlags().BoolP(FlagVerbose, "v", false, "log to stderr at the configured level")

	root.AddCommand(
		NewSetupCommand(),
		NewTeardownCommand(),
		NewInstallCommand(),
		NewStartCommand(),
		NewStopCommand(),
		NewRestartCommand(),
		NewResetCommand(),
		NewStatusCommand(),
		NewUninstallCommand(),
		NewCredentialCommand(),
		NewServeCommand(),
		NewTokenCommand(),
		NewReconnectCommand(),
	)
	return root
}
