package commands

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func NewSweepCommand() *cobra.Command {
	var skipCache bool

	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Expire old bundles and enforce the storage budget now",
		Long: `Expire old bundles and enforce the storage budget now

Runs one TTL pass (moving expired bundles to the expired queue) and then
one eviction pass down to the storage budget. serve does both on its own
schedule; this is for nodes that only run short-lived commands.`,

		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr, _, err := getManager(&ManagerOptions{Cmd: cmd})
			if err != nil {
				return err
			}
			defer mgr.Close()

			w := cmd.OutOrStdout()

			res, err := mgr.SweepExpired(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(w, "TTL:   scanned %d, expired %d, failed %d (%s)\n",
				res.Scanned, res.Expired, res.Failed, res.Duration.Round(time.Millisecond))

			if skipCache {
				return nil
			}

			ev := mgr.EnforceBudget(cmd.Context())
			fmt.Fprintf(w, "Cache: evicted %d, freed %s", len(ev.Evicted), formatBytes(ev.FreedBytes))
			if ev.Exhausted {
				fmt.Fprintf(w, " (still over budget: nothing left to evict)")
			}
			fmt.Fprintln(w)

			stats := mgr.CacheStats()
			fmt.Fprintf(w, "Usage: %s of %s (%.1f%%)\n",
				formatBytes(stats.TotalBytes), formatBytes(stats.BudgetBytes), stats.UtilizationPercent)
			return nil
		},
	}

	cmd.Flags().BoolVar(&skipCache, "ttl-only", false, "Skip the eviction pass")

	return cmd
}
