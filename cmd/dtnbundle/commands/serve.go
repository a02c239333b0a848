package commands

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"tangled.org/solarpunk.net/dtnbundle/bundle"
	"tangled.org/solarpunk.net/dtnbundle/server"
)

func NewServeCommand() *cobra.Command {
	var (
		addr      string
		websocket bool
		noLoops   bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the node: HTTP API, sync, TTL and cache services",
		Long: `Run the node

Starts the HTTP API and the background services: the TTL sweep, the
cache budget enforcer and periodic sync with configured peers.
On SIGINT or SIGTERM the server stops accepting requests, waits up to
shutdown_grace for in-flight ones, then stops the services and closes
the store.`,

		Example: `  # Serve from the current directory
  dtnbundle serve

  # Listen on all interfaces with the event stream
  dtnbundle serve --addr 0.0.0.0:8000 --websocket

  # HTTP only, no background loops
  dtnbundle serve --no-services`,

		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr, dir, err := getManager(&ManagerOptions{Cmd: cmd, LogByDefault: true})
			if err != nil {
				return err
			}
			defer mgr.Close()

			if addr == "" {
				addr = mgr.Config().ListenAddr
			}

			displayServerInfo(cmd, mgr, dir, addr, websocket, !noLoops)

			return runServer(cmd.Context(), mgr, &server.Config{
				Addr:            addr,
				EnableWebSocket: websocket,
				Version:         GetVersion(),
			}, !noLoops)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "Listen address (default: listen_addr from config)")
	cmd.Flags().BoolVar(&websocket, "websocket", true, "Enable the /ws event stream")
	cmd.Flags().BoolVar(&noLoops, "no-services", false, "Do not run TTL, cache and sync loops")

	return cmd
}

// runServer serves until a shutdown signal, then drains in order:
// HTTP first, then the background services, then the store (deferred
// by the caller)
func runServer(parent context.Context, mgr *bundle.Manager, cfg *server.Config, services bool) error {
	logger := mgr.Logger()

	sigCtx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	svcCtx, cancelServices := context.WithCancel(context.WithoutCancel(parent))
	defer cancelServices()

	wait := func() {}
	if services {
		wait = mgr.StartServices(svcCtx)
	}

	srv := server.New(mgr, cfg)
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	var serveErr error
	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			serveErr = fmt.Errorf("server error: %w", err)
		}
	case <-sigCtx.Done():
		logger.Printf("[Server] Shutdown signal received, draining (grace %s)...", mgr.Config().ShutdownGrace)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), mgr.Config().ShutdownGrace.D())
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Printf("[Server] Shutdown incomplete: %v", err)
		}
		cancel()
	}

	cancelServices()
	wait()
	logger.Printf("[Server] ✓ Shutdown complete")

	return serveErr
}

// displayServerInfo shows server configuration
func displayServerInfo(cmd *cobra.Command, mgr *bundle.Manager, dir, addr string, wsEnabled, services bool) {
	quiet, _ := cmd.Root().PersistentFlags().GetBool("quiet")
	if quiet {
		return
	}
	w := cmd.ErrOrStderr()
	cfg := mgr.Config()
	info := mgr.NodeInfo()

	fmt.Fprintf(w, "Starting dtnbundle node...\n")
	fmt.Fprintf(w, "  Directory:   %s\n", dir)
	fmt.Fprintf(w, "  Node:        %s\n", info.Fingerprint)
	fmt.Fprintf(w, "  Backend:     %s\n", info.Backend)
	fmt.Fprintf(w, "  Budget:      %s\n", formatBytes(int64(cfg.StorageBudgetBytes)))
	fmt.Fprintf(w, "  Listening:   http://%s\n", addr)
	if wsEnabled {
		fmt.Fprintf(w, "  WebSocket:   ws://%s/ws\n", addr)
	}
	if services {
		fmt.Fprintf(w, "  TTL sweep:   every %s\n", cfg.TTLCheckInterval)
		if cfg.CacheCheckInterval > 0 {
			fmt.Fprintf(w, "  Cache check: every %s\n", cfg.CacheCheckInterval)
		} else {
			fmt.Fprintf(w, "  Cache check: on admission only\n")
		}
		fmt.Fprintf(w, "  Peers:       %d (sync every %s)\n", len(cfg.Peers), cfg.SyncInterval)
	} else {
		fmt.Fprintf(w, "  Services:    disabled\n")
	}
	fmt.Fprintf(w, "\n")
}
