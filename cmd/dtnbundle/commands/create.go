package commands

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"
	"tangled.org/solarpunk.net/dtnbundle/dtn"
)

func NewCreateCommand() *cobra.Command {
	var (
		topic       string
		text        string
		file        string
		payloadType string
		priority    string
		audience    string
		receipt     string
		tags        []string
		ttl         time.Duration
		hopLimit    uint32
	)

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create, sign and queue a bundle",
		Long: `Create, sign and queue a bundle

The payload comes from --text, --file, or stdin when neither is given.
The bundle is signed with this node's key and placed in the outbox.`,

		Example: `  # Short text note
  dtnbundle create --topic water --text "well 3 is dry" --priority high

  # Payload from a file, visible to trusted peers only
  dtnbundle create --topic map --file map.png --type image/png --audience trusted

  # From stdin with a one hour lifetime
  echo "meet at noon" | dtnbundle create --topic meetup --ttl 1h`,

		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			content := dtn.Content{
				Topic:       topic,
				Tags:        tags,
				PayloadType: payloadType,
				TTL:         ttl,
				HopLimit:    hopLimit,
			}

			var err error
			if content.Priority, err = dtn.ParsePriority(priority); err != nil {
				return err
			}
			if content.Audience, err = dtn.ParseAudience(audience); err != nil {
				return err
			}
			if content.ReceiptPolicy, err = dtn.ParseReceiptPolicy(receipt); err != nil {
				return err
			}

			switch {
			case text != "" && file != "":
				return fmt.Errorf("--text and --file are mutually exclusive")
			case text != "":
				content.Payload = []byte(text)
			case file != "":
				if content.Payload, err = os.ReadFile(file); err != nil {
					return fmt.Errorf("reading payload: %w", err)
				}
			default:
				if content.Payload, err = io.ReadAll(cmd.InOrStdin()); err != nil {
					return fmt.Errorf("reading stdin: %w", err)
				}
			}

			mgr, _, err := getManager(&ManagerOptions{Cmd: cmd})
			if err != nil {
				return err
			}
			defer mgr.Close()

			rec, err := mgr.CreateBundle(cmd.Context(), content)
			if err != nil {
				return err
			}

			quiet, _ := cmd.Root().PersistentFlags().GetBool("quiet")
			if quiet {
				fmt.Fprintln(cmd.OutOrStdout(), rec.ID())
				return nil
			}
			return printJSON(cmd.OutOrStdout(), rec)
		},
	}

	cmd.Flags().StringVarP(&topic, "topic", "t", "", "Bundle topic (required)")
	cmd.Flags().StringVar(&text, "text", "", "UTF-8 payload")
	cmd.Flags().StringVarP(&file, "file", "f", "", "Read payload from file")
	cmd.Flags().StringVar(&payloadType, "type", "text/plain; charset=utf-8", "Payload media type")
	cmd.Flags().StringVarP(&priority, "priority", "p", "normal", "low, normal, high or emergency")
	cmd.Flags().StringVarP(&audience, "audience", "a", "public", "public, local, trusted or private")
	cmd.Flags().StringVar(&receipt, "receipt", "none", "Receipt policy: none, requested or required")
	cmd.Flags().StringSliceVar(&tags, "tag", nil, "Tag (repeatable)")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "Lifetime (default: default_ttl from config)")
	cmd.Flags().Uint32Var(&hopLimit, "hop-limit", 0, "Hop limit (default: default_hop_limit from config)")
	cmd.MarkFlagRequired("topic")

	return cmd
}
