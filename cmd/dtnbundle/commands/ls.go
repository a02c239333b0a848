package commands

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/goccy/go-json"
	"github.com/spf13/cobra"
	"tangled.org/solarpunk.net/dtnbundle/dtn"
	"tangled.org/solarpunk.net/dtnbundle/internal/queue"
)

func NewLsCommand() *cobra.Command {
	var (
		queues     []string
		priorities []string
		audiences  []string
		topic      string
		tag        string
		maxAge     time.Duration
		limit      int
		jsonOut    bool
		noHeader   bool
	)

	cmd := &cobra.Command{
		Use:   "ls [flags]",
		Short: "List bundles",
		Long: `List bundles

On a terminal, prints an aligned table. When piped, prints one JSON
record per line so the output can be fed to jq or another node.`,

		Example: `  # Everything
  dtnbundle ls

  # Emergency traffic waiting to go out
  dtnbundle ls --queue outbox,pending --priority emergency

  # Received in the last hour, as JSON lines
  dtnbundle ls --queue delivered --max-age 1h | jq .bundle.topic`,

		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var qs []dtn.Queue
			for _, name := range queues {
				q, err := dtn.ParseQueue(name)
				if err != nil {
					return err
				}
				qs = append(qs, q)
			}

			f := queue.Filter{Topic: topic, Tag: tag, MaxAge: maxAge, Limit: limit}
			for _, name := range priorities {
				p, err := dtn.ParsePriority(name)
				if err != nil {
					return err
				}
				f.Priorities = append(f.Priorities, p)
			}
			for _, name := range audiences {
				a, err := dtn.ParseAudience(name)
				if err != nil {
					return err
				}
				f.Audiences = append(f.Audiences, a)
			}

			mgr, _, err := getManager(&ManagerOptions{Cmd: cmd})
			if err != nil {
				return err
			}
			defer mgr.Close()

			recs := mgr.ListBundles(f, qs...)
			w := cmd.OutOrStdout()

			if jsonOut || !isTTY(w) {
				return writeJSONL(w, recs)
			}
			return writeTable(w, recs, mgr.Clock().Now(), !noHeader)
		},
	}

	cmd.Flags().StringSliceVar(&queues, "queue", nil, "Queues to list (default: all)")
	cmd.Flags().StringSliceVar(&priorities, "priority", nil, "Only these priorities")
	cmd.Flags().StringSliceVar(&audiences, "audience", nil, "Only these audiences")
	cmd.Flags().StringVar(&topic, "topic", "", "Only this topic (case-insensitive)")
	cmd.Flags().StringVar(&tag, "tag", "", "Only bundles carrying this tag")
	cmd.Flags().DurationVar(&maxAge, "max-age", 0, "Only bundles queued within this duration")
	cmd.Flags().IntVarP(&limit, "limit", "n", 0, "Show at most N bundles (0 = all)")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "JSON lines even on a terminal")
	cmd.Flags().BoolVar(&noHeader, "no-header", false, "Omit header row")

	return cmd
}

func writeJSONL(w io.Writer, recs []*dtn.Record) error {
	for _, rec := range recs {
		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintln(w, string(data)); err != nil {
			return err
		}
	}
	return nil
}

func writeTable(w io.Writer, recs []*dtn.Record, now time.Time, header bool) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	if header {
		fmt.Fprintln(tw, "ID\tQUEUE\tPRIORITY\tAUDIENCE\tHOPS\tSIZE\tQUEUED\tEXPIRES\tTOPIC")
	}
	for _, rec := range recs {
		b := rec.Bundle
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d/%d\t%s\t%s\t%s\t%s\n",
			shortID(rec.ID()),
			rec.Queue,
			b.Priority,
			b.Audience,
			b.HopCount, b.HopLimit,
			formatBytes(b.SizeBytes),
			formatAge(rec.AddedToQueueAt, now),
			formatAge(b.ExpiresAt, now),
			b.Topic,
		)
	}
	return tw.Flush()
}
