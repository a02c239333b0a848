package commands

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"sync"

	"github.com/spf13/cobra"
)

// buildInfo is what the binary knows about its own build
type buildInfo struct {
	Version string `json:"version"`
	Commit  string `json:"commit"`
	Built   string `json:"built"`
	Go      string `json:"go"`
}

var readBuildInfo = sync.OnceValue(func() buildInfo {
	bi := buildInfo{Version: "dev", Commit: "unknown", Built: "unknown", Go: runtime.Version()}

	info, ok := debug.ReadBuildInfo()
	if !ok {
		return bi
	}
	if v := info.Main.Version; v != "" && v != "(devel)" {
		bi.Version = v
	}
	for _, s := range info.Settings {
		if s.Value == "" {
			continue
		}
		switch s.Key {
		case "vcs.revision":
			bi.Commit = shortRevision(s.Value)
		case "vcs.time":
			bi.Built = s.Value
		}
	}
	return bi
})

func shortRevision(rev string) string {
	if len(rev) > 7 {
		return rev[:7]
	}
	return rev
}

// GetVersion returns the version string
func GetVersion() string {
	return readBuildInfo().Version
}

func NewVersionCommand() *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "version",
		Short: "Show version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			bi := readBuildInfo()
			w := cmd.OutOrStdout()
			if asJSON {
				return printJSON(w, bi)
			}
			fmt.Fprintf(w, "dtnbundle version %s\n", bi.Version)
			fmt.Fprintf(w, "  commit: %s\n", bi.Commit)
			fmt.Fprintf(w, "  built:  %s\n", bi.Built)
			fmt.Fprintf(w, "  go:     %s\n", bi.Go)
			return nil
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "Output as JSON")
	return cmd
}
