package commands

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"
	"tangled.org/solarpunk.net/dtnbundle/bundle"
)

func NewStatusCommand() *cobra.Command {
	var jsonOut bool

	cmd := &cobra.Command{
		Use:     "status",
		Aliases: []string{"info"},
		Short:   "Show node status",
		Long: `Show node status

Queue counts, storage budget usage and configured peers.`,

		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr, dir, err := getManager(&ManagerOptions{Cmd: cmd})
			if err != nil {
				return err
			}
			defer mgr.Close()

			st := mgr.GetStatus()
			if jsonOut {
				return printJSON(cmd.OutOrStdout(), st)
			}
			showStatus(cmd, st, dir)
			return nil
		},
	}

	cmd.Flags().BoolVar(&jsonOut, "json", false, "Output as JSON")

	return cmd
}

func showStatus(cmd *cobra.Command, st bundle.Status, dir string) {
	w := cmd.OutOrStdout()

	fmt.Fprintf(w, "═══════════════════════════════════════════════════════════════\n")
	fmt.Fprintf(w, "                    dtnbundle Node Status\n")
	fmt.Fprintf(w, "═══════════════════════════════════════════════════════════════\n\n")

	fmt.Fprintf(w, "📁 %s\n", dir)
	fmt.Fprintf(w, "🔑 %s (%s)\n\n", st.Node.Fingerprint, st.Node.Backend)

	if st.BundleCount == 0 {
		fmt.Fprintf(w, "⚠️  Empty node (no bundles)\n\n")
		fmt.Fprintf(w, "Get started:\n")
		fmt.Fprintf(w, "  dtnbundle create --topic hello --text \"first bundle\"\n")
		fmt.Fprintf(w, "  dtnbundle sync\n\n")
	} else {
		fmt.Fprintf(w, "Queues\n")
		fmt.Fprintf(w, "──────\n")
		names := make([]string, 0, len(st.Queues))
		for name := range st.Queues {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			if st.Queues[name] == 0 {
				continue
			}
			q := st.Cache.Queues[name]
			fmt.Fprintf(w, "  %-12s %6d  %s\n", name, st.Queues[name], formatBytes(q.Bytes))
		}
		fmt.Fprintf(w, "  %-12s %6d\n\n", "total", st.BundleCount)
	}

	c := st.Cache
	fmt.Fprintf(w, "Storage\n")
	fmt.Fprintf(w, "───────\n")
	fmt.Fprintf(w, "  Used:           %s of %s (%.1f%%)\n", formatBytes(c.TotalBytes), formatBytes(c.BudgetBytes), c.UtilizationPercent)
	fmt.Fprintf(w, "  Available:      %s\n", formatBytes(c.AvailableBytes))
	fmt.Fprintf(w, "  Priority floor: %s", c.PriorityFloor)
	if c.EvictAboveFloor {
		fmt.Fprintf(w, " (evictable under pressure)")
	}
	fmt.Fprintf(w, "\n\n")

	fmt.Fprintf(w, "Peers\n")
	fmt.Fprintf(w, "─────\n")
	if len(st.Peers) == 0 {
		fmt.Fprintf(w, "  (none configured)\n")
	}
	for _, p := range st.Peers {
		fmt.Fprintf(w, "  %s\n", p)
	}
	fmt.Fprintf(w, "\n")
}
