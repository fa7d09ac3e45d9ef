package cmd

import (
	"fmt"
	"runtime/debug"

	"github.com/spf13/cobra"
)

// Version information, set at build time via ldflags:
//
//	-X github.com/steveyegge/killswitch/internal/cmd.Version=v1.2.3
var (
	Version   = "dev"
	Commit    = ""
	BuildTime = ""
)

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "version",
		Short:   "Print version information",
		GroupID: GroupDiag,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			commit := Commit
			if commit == "" {
				commit = vcsRevision()
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "killswitch %s\n", Version)
			if commit != "" {
				fmt.Fprintf(out, "  commit: %s\n", commit)
			}
			if BuildTime != "" {
				fmt.Fprintf(out, "  built:  %s\n", BuildTime)
			}
			return nil
		},
	}
}

func vcsRevision() string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return ""
	}
	for _, s := range info.Settings {
		if s.Key == "vcs.revision" {
			return s.Value
		}
	}
	return ""
}
