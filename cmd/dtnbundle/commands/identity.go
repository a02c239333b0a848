package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

func NewIdentityCommand() *cobra.Command {
	var jsonOut bool

	cmd := &cobra.Command{
		Use:   "identity",
		Short: "Show this node's signing identity",
		Long: `Show this node's signing identity

The Ed25519 key is created on first use and kept in the data
directory. The fingerprint is what peers see as this node's id.`,

		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr, _, err := getManager(&ManagerOptions{Cmd: cmd})
			if err != nil {
				return err
			}
			defer mgr.Close()

			info := mgr.NodeInfo()
			if jsonOut {
				return printJSON(cmd.OutOrStdout(), info)
			}

			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "Fingerprint: %s\n", info.Fingerprint)
			fmt.Fprintf(w, "Public key:  %s\n", info.PublicKey)
			return nil
		},
	}

	cmd.Flags().BoolVar(&jsonOut, "json", false, "Output as JSON")

	return cmd
}
