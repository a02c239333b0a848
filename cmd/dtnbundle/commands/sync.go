package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"tangled.org/solarpunk.net/dtnbundle/bundle"
	internalsync "tangled.org/solarpunk.net/dtnbundle/internal/sync"
)

func NewSyncCommand() *cobra.Command {
	var continuous bool

	cmd := &cobra.Command{
		Use:   "sync [peer-id...]",
		Short: "Exchange bundles with configured peers",
		Long: `Exchange bundles with configured peers

Each session pulls what the peer has and this node lacks, then pushes
what this node has and the peer lacks, honoring each peer's trust tier.
Peers are configured under 'peers' in the config file.`,

		Example: `  # Sync once with every peer
  dtnbundle sync

  # Only with one peer
  dtnbundle sync hilltop

  # Keep syncing on sync_interval (Ctrl+C to stop)
  dtnbundle sync --continuous -v`,

		RunE: func(cmd *cobra.Command, args []string) error {
			mgr, _, err := getManager(&ManagerOptions{Cmd: cmd})
			if err != nil {
				return err
			}
			defer mgr.Close()

			if len(mgr.Peers()) == 0 {
				return fmt.Errorf("no peers configured")
			}

			if continuous {
				ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
				defer stop()
				fmt.Fprintf(cmd.ErrOrStderr(), "Syncing with %d peers every %s (Ctrl+C to stop)\n",
					len(mgr.Peers()), mgr.Config().SyncInterval)
				if err := mgr.RunSyncLoop(ctx); err != nil && !errors.Is(err, context.Canceled) {
					return err
				}
				return nil
			}

			return runSingleSync(cmd, mgr, args)
		},
	}

	cmd.Flags().BoolVar(&continuous, "continuous", false, "Keep syncing (run as daemon)")

	return cmd
}

func runSingleSync(cmd *cobra.Command, mgr *bundle.Manager, peerIDs []string) error {
	ctx := cmd.Context()
	w := cmd.OutOrStdout()

	var results []internalsync.SyncResult
	var errs []error

	if len(peerIDs) == 0 {
		var err error
		results, err = mgr.SyncAll(ctx)
		if err != nil {
			errs = append(errs, err)
		}
	} else {
		for _, id := range peerIDs {
			res, err := mgr.SyncPeer(ctx, id)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", id, err))
				continue
			}
			results = append(results, res)
		}
	}

	for _, r := range results {
		fmt.Fprintf(w, "✓ %s: pulled %d (accepted %d, rejected %d), pushed %d (accepted %d, rejected %d) in %s\n",
			r.Peer, r.Pulled, r.Accepted, r.Rejected, r.Pushed, r.PushAccepted, r.PushRejected,
			r.Duration.Round(time.Millisecond))
	}

	return errors.Join(errs...)
}
