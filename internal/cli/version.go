package cli

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"
)

// Set at link time with -ldflags "-X github.com/davidthor/instctl/internal/cli.Version=...".
var (
	Version = ""
	Commit  = ""
)

func versionOrDefault(def string) string {
	if Version != "" {
		return Version
	}
	return def
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the instctl version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			line := fmt.Sprintf("instctl %s", versionOrDefault("dev"))
			if Commit != "" {
				line += fmt.Sprintf(" (%s)", Commit)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s/%s\n", line, runtime.GOOS, runtime.GOARCH)
		},
	}
}
