package cli

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/davidthor/instctl/pkg/features"
	"github.com/davidthor/instctl/pkg/remote"
	"github.com/davidthor/instctl/pkg/state/backend"
	"github.com/davidthor/instctl/pkg/version"
)

func init() {
	rootCmd.AddCommand(newCompletionCmd())
}

func newCompletionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "completion [bash|zsh|fish|powershell]",
		Short: "Generate shell completion scripts",
		Long: `Generate shell completion scripts for instctl.

To load completions:

Bash:
  $ source <(instctl completion bash)

  # To load completions for each session, execute once:
  # Linux:
  $ instctl completion bash > /etc/bash_completion.d/instctl
  # macOS:
  $ instctl completion bash > $(brew --prefix)/etc/bash_completion.d/instctl

Zsh:
  # If shell completion is not already enabled in your environment,
  # you will need to enable it. You can execute the following once:
  $ echo "autoload -U compinit; compinit" >> ~/.zshrc

  # To load completions for each session, execute once:
  $ instctl completion zsh > "${fpath[1]}/_instctl"

Fish:
  $ instctl completion fish | source

PowerShell:
  PS> instctl completion powershell | Out-String | Invoke-Expression
`,
		DisableFlagsInUseLine: true,
		ValidArgs:             []string{"bash", "zsh", "fish", "powershell"},
		Args:                  cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
		RunE: func(cmd *cobra.Command, args []string) error {
			switch args[0] {
			case "bash":
				return rootCmd.GenBashCompletionV2(os.Stdout, true)
			case "zsh":
				return rootCmd.GenZshCompletion(os.Stdout)
			case "fish":
				return rootCmd.GenFishCompletion(os.Stdout, true)
			case "powershell":
				return rootCmd.GenPowerShellCompletionWithDesc(os.Stdout)
			default:
				return fmt.Errorf("unknown shell: %s", args[0])
			}
		},
	}

	return cmd
}

// completeVersions returns the SQL Server releases in the catalog.
func completeVersions(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
	return filterPrefix(version.DefaultCatalog().Names(), toComplete), cobra.ShellCompDirectiveNoFileComp
}

// completeFeatures returns feature and template names for the --version
// already on the command line, or every name when it is absent.
func completeFeatures(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
	var desc *version.Descriptor
	if f := cmd.Flags().Lookup("version"); f != nil && f.Value.String() != "" {
		desc, _ = version.DefaultCatalog().ResolveBuild(f.Value.String())
	}
	return filterPrefix(featureNames(features.DefaultTable(), desc), toComplete), cobra.ShellCompDirectiveNoFileComp
}

func completeProtocols(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
	names := make([]string, 0, len(remote.Protocols))
	for _, p := range remote.Protocols {
		names = append(names, string(p))
	}
	return filterPrefix(names, toComplete), cobra.ShellCompDirectiveNoFileComp
}

func completeBackends(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
	return filterPrefix(backend.Types(), toComplete), cobra.ShellCompDirectiveNoFileComp
}

// completeRunIDs lists recorded runs from the default state backend.
func completeRunIDs(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
	mgr, err := createStateManagerWithConfig("", nil)
	if err != nil {
		return nil, cobra.ShellCompDirectiveNoFileComp
	}
	refs, err := mgr.ListRuns(context.Background())
	if err != nil {
		return nil, cobra.ShellCompDirectiveNoFileComp
	}
	ids := make([]string, 0, len(refs))
	for _, ref := range refs {
		ids = append(ids, fmt.Sprintf("%s\tSQL Server %s, %d target(s)", ref.ID, ref.Version, ref.Targets))
	}
	return filterPrefix(ids, toComplete), cobra.ShellCompDirectiveNoFileComp
}

func filterPrefix(values []string, prefix string) []string {
	if prefix == "" {
		return values
	}
	var out []string
	for _, v := range values {
		if strings.HasPrefix(strings.ToLower(v), strings.ToLower(prefix)) {
			out = append(out, v)
		}
	}
	return out
}
