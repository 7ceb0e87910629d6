package commands

import (
	"github.com/spf13/cobra"
)

func NewCompletionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "completion [bash|zsh|fish|powershell]",
		Short: "Generate the autocompletion script for the specified shell",
		Long: `To load completions:

Bash:
  $ source <(lynxscan completion bash)
  # To load automatically on new shells, run:
  $ lynxscan completion bash > /etc/bash_completion.d/lynxscan

Zsh:
  $ lynxscan completion zsh > "${fpath[1]}/_lynxscan"

Fish:
  $ lynxscan completion fish | source

PowerShell:
  PS> lynxscan completion powershell | Out-String | Invoke-Expression
`,
		Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
		ValidArgs: []string{"bash", "zsh", "fish", "powershell"},
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			switch args[0] {
			case "bash":
				return cmd.Root().GenBashCompletionV2(out, true)
			case "zsh":
				return cmd.Root().GenZshCompletion(out)
			case "fish":
				return cmd.Root().GenFishCompletion(out, true)
			default:
				return cmd.Root().GenPowerShellCompletionWithDesc(out)
			}
		},
	}
}
