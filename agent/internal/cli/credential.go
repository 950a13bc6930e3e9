package cli

import (
	"context"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"nat-tunnel/agent/internal/credential"
)

func NewCredentialCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "credential",
		Short: "Manage the keys remote clients log in with",
	}
	cmd.AddCommand(
		newCredentialIssueCommand(),
		newCredentialAuthorizeCommand(),
		newCredentialRevokeCommand(),
		newCredentialDeleteCommand(),
		newCredentialListCommand(),
	)
	return cmd
}

func withCredentials(cmd *cobra.Command, fn func(ctx context.Context, store *credential.Store) error) error {
	return withApp(cmd, func(ctx context.Context, a *app) error {
		store, err := a.credentials()
		if err != nil {
			return err
		}
		return fn(ctx, store)
	})
}

func newCredentialIssueCommand() *cobra.Command {
	var authorize bool

	cmd := &cobra.Command{
		Use:   "issue <name>",
		Short: "Create a client keypair",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := args[0]
			return withCredentials(cmd, func(ctx context.Context, store *credential.Store) error {
				cred, err := store.Issue(ctx, name)
				if err := done(cmd, err, "issued %s", name); err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "Private key:    %s\n", cred.Key.PrivatePath)
				if cred.Key.PublicKey != nil {
					fmt.Fprintf(out, "Fingerprint:    %s\n", cred.Key.Fingerprint())
				}
				if !authorize {
					return nil
				}
				added, err := store.Authorize(ctx, name)
				if err != nil {
					return err
				}
				if added {
					fmt.Fprintf(out, "authorized %s\n", name)
				}
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&authorize, "authorize", false, "also authorize the new key")
	return cmd
}

func newCredentialAuthorizeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "authorize <name>",
		Short: "Allow a client key to log in to this host",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := args[0]
			return withCredentials(cmd, func(ctx context.Context, store *credential.Store) error {
				added, err := store.Authorize(ctx, name)
				if err != nil {
					return err
				}
				if !added {
					fmt.Fprintf(cmd.OutOrStdout(), "%s already authorized\n", name)
					return nil
				}
				fmt.Fprintf(cmd.OutOrStdout(), "authorized %s\n", name)
				return nil
			})
		},
	}
}

func newCredentialRevokeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "revoke <name>",
		Short: "Remove every authorization entry for a client key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := args[0]
			return withCredentials(cmd, func(ctx context.Context, store *credential.Store) error {
				n, err := store.Revoke(ctx, name)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "revoked %s (%d entries removed)\n", name, n)
				return nil
			})
		},
	}
}

func newCredentialDeleteCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <name>",
		Short: "Revoke a client key and delete it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := args[0]
			return withCredentials(cmd, func(ctx context.Context, store *credential.Store) error {
				return done(cmd, store.Delete(ctx, name), "deleted %s", name)
			})
		},
	}
}

func newCredentialListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List issued client keys",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCredentials(cmd, func(ctx context.Context, store *credential.Store) error {
				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "NAME\tFINGERPRINT\tCREATED\tREVOKED")
				for cred, err := range store.List(ctx) {
					if err != nil {
						return err
					}
					created := "-"
					if !cred.CreatedAt.IsZero() {
						created = cred.CreatedAt.Format("2006-01-02 15:04:05 UTC")
					}
					fmt.Fprintf(tw, "%s\t%s\t%s\t%t\n", cred.Name, cred.Key.Fingerprint(), created, cred.Revoked)
				}
				return tw.Flush()
			})
		},
	}
}
