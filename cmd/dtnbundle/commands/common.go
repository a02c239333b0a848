package commands

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/goccy/go-json"
	"github.com/spf13/cobra"
	"golang.org/x/term"
	"tangled.org/solarpunk.net/dtnbundle/bundle"
	"tangled.org/solarpunk.net/dtnbundle/internal/config"
)

// NewRootCommand builds the dtnbundle command tree
func NewRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "dtnbundle",
		Short: "Store-and-forward bundle node",
		Long: `dtnbundle - store-and-forward transport for signed bundles

Bundles are created, signed and queued locally, then exchanged with
peers whenever a link is up. Each node enforces expiry, a storage
budget and audience tiers on everything it carries.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().String("dir", "", "Node data directory (default: current directory)")
	root.PersistentFlags().String("config", "", "Config file (default: <dir>/dtnbundle.yaml)")
	root.PersistentFlags().BoolP("verbose", "v", false, "Verbose logging")
	root.PersistentFlags().BoolP("quiet", "q", false, "Suppress logging")

	root.AddCommand(
		NewServeCommand(),
		NewCreateCommand(),
		NewLsCommand(),
		NewGetCommand(),
		NewSyncCommand(),
		NewSweepCommand(),
		NewStatusCommand(),
		NewIdentityCommand(),
		NewVersionCommand(),
	)

	return root
}

// ManagerOptions controls how a command opens the node
type ManagerOptions struct {
	Cmd *cobra.Command

	// LogByDefault logs unless --quiet; otherwise only with --verbose
	LogByDefault bool
}

// getManager opens the node in --dir using --config
func getManager(opts *ManagerOptions) (*bundle.Manager, string, error) {
	flags := opts.Cmd.Root().PersistentFlags()
	dir, _ := flags.GetString("dir")
	configPath, _ := flags.GetString("config")
	verbose, _ := flags.GetBool("verbose")
	quiet, _ := flags.GetBool("quiet")

	if dir == "" {
		var err error
		dir, err = os.Getwd()
		if err != nil {
			return nil, "", err
		}
	}

	absDir, err := filepath.Abs(dir)
	if err != nil {
		return nil, "", fmt.Errorf("invalid directory path: %w", err)
	}

	cfg, err := config.Load(absDir, configPath)
	if err != nil {
		return nil, "", err
	}
	cfg.Logger = &commandLogger{
		w:     opts.Cmd.ErrOrStderr(),
		quiet: quiet || (!opts.LogByDefault && !verbose),
	}

	mgr, err := bundle.NewManager(opts.Cmd.Context(), cfg, &bundle.Options{Version: GetVersion()})
	if err != nil {
		return nil, "", err
	}
	return mgr, absDir, nil
}

// commandLogger adapts to types.Logger
type commandLogger struct {
	w     io.Writer
	quiet bool
}

func (l *commandLogger) Printf(format string, v ...interface{}) {
	if !l.quiet {
		fmt.Fprintf(l.w, format+"\n", v...)
	}
}

func (l *commandLogger) Println(v ...interface{}) {
	if !l.quiet {
		fmt.Fprintln(l.w, v...)
	}
}

// isTTY checks if w is a terminal
func isTTY(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

// printJSON writes v as indented JSON
func printJSON(w io.Writer, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}

func formatBytes(n int64) string {
	if n < 0 {
		n = 0
	}
	return humanize.IBytes(uint64(n))
}

func formatAge(t, now time.Time) string {
	return humanize.RelTime(t, now, "ago", "from now")
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
