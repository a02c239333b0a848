package commands

import (
	"github.com/spf13/cobra"
)

func NewGetCommand() *cobra.Command {
	var payloadOnly bool

	cmd := &cobra.Command{
		Use:   "get <bundle-id>",
		Short: "Show one bundle",
		Example: `  # Full record as JSON
  dtnbundle get 3f9a...

  # Raw payload only
  dtnbundle get 3f9a... --payload > map.png`,

		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr, _, err := getManager(&ManagerOptions{Cmd: cmd})
			if err != nil {
				return err
			}
			defer mgr.Close()

			rec, err := mgr.GetBundle(args[0])
			if err != nil {
				return err
			}

			if payloadOnly {
				_, err := cmd.OutOrStdout().Write(rec.Bundle.Payload)
				return err
			}
			return printJSON(cmd.OutOrStdout(), rec)
		},
	}

	cmd.Flags().BoolVar(&payloadOnly, "payload", false, "Write only the raw payload")

	return cmd
}
